// Package util provides small helpers shared across packages.
package util

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ffmpegEnvVar overrides the resolved ffmpeg location regardless of
// configuration.
const ffmpegEnvVar = "EOS_FFMPEG_PATH"

// ResolveFFmpeg locates the ffmpeg executable the transcribe pipeline
// shells out to. A configured value containing a path separator is
// verified and returned as-is; a bare name is resolved in this order:
//
//  1. the EOS_FFMPEG_PATH environment variable
//  2. the working directory (development builds)
//  3. the PATH
func ResolveFFmpeg(configured string) (string, error) {
	if strings.ContainsRune(configured, os.PathSeparator) {
		if !isExecutable(configured) {
			return "", fmt.Errorf("%s is not an executable", configured)
		}
		return configured, nil
	}

	if envPath := os.Getenv(ffmpegEnvVar); envPath != "" && isExecutable(envPath) {
		return envPath, nil
	}

	if local := "./" + configured; isExecutable(local) {
		return local, nil
	}

	if path, err := exec.LookPath(configured); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("ffmpeg binary %q not found", configured)
}

// isExecutable reports whether path is a regular file with an execute
// bit set.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
