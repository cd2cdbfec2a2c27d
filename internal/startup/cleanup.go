// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// audioFileSuffixes are the intermediate files the transcription
// pipeline writes while decoding segment audio. They are removed after
// each segment; files left behind mean a previous run crashed mid-way.
var audioFileSuffixes = []string{".aac", ".pcm"}

// DefaultCleanupAge is the default maximum age for orphaned audio files.
const DefaultCleanupAge = 1 * time.Hour

// CleanupOrphanedAudioFiles removes intermediate audio files in the
// working directory that are older than maxAge.
//
// Returns the number of files removed and any error encountered.
func CleanupOrphanedAudioFiles(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("working directory does not exist, skipping cleanup",
			"path", baseDir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read working directory for cleanup",
			"path", baseDir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if entry.IsDir() || !isAudioFile(entry.Name()) {
			continue
		}

		filePath := filepath.Join(baseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to stat audio file",
				"path", filePath,
				"error", err,
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent audio file",
				"path", filePath,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.Remove(filePath); err != nil {
			logger.Warn("failed to remove orphaned audio file",
				"path", filePath,
				"error", err,
			)
			continue
		}

		logger.Info("removed orphaned audio file",
			"path", filePath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}

func isAudioFile(name string) bool {
	for _, suffix := range audioFileSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
