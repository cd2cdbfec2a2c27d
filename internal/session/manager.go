package session

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/observability"
)

// Manager owns every session, matches incoming requests to them and
// reaps the ones nobody asks for anymore.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu   sync.Mutex
	byID map[string]*Session
	// byKey groups the sessions of one stream by their destination
	// language set.
	byKey map[Key]map[string]*Session

	cron *cron.Cron
}

// NewManager creates the session registry and starts the idle reaper.
func NewManager(deps Deps) (*Manager, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		deps:   deps,
		logger: observability.WithComponent(logger, "sessions"),
		byID:   make(map[string]*Session),
		byKey:  make(map[Key]map[string]*Session),
		cron:   cron.New(),
	}

	schedule := deps.Config.Session.ReaperSchedule
	if _, err := m.cron.AddFunc(schedule, m.reapIdle); err != nil {
		return nil, fmt.Errorf("scheduling session reaper %q: %w", schedule, err)
	}
	m.cron.Start()
	return m, nil
}

// langSetKey is the order-independent identity of a destination
// language set.
func langSetKey(langs []string) string {
	sorted := append([]string(nil), langs...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// normalizeLangs maps request language codes to full tags so "en" and
// "en-US" identify the same session.
func normalizeLangs(langs []string) []string {
	out := make([]string, 0, len(langs))
	for _, code := range langs {
		if l, ok := language.Find(code); ok {
			out = append(out, l.BCP47)
		}
	}
	return out
}

// Get returns the session a request belongs to, creating one when no
// existing session can serve it.
//
// A variant request matches only a session with exactly its language
// set: players re-requesting the manifest with different languages get
// a separate session. A delayed live request matches any session of the
// stream, since origin playlists are shared. Every other request
// matches the first session whose language set covers it.
func (m *Manager) Get(req *Request) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group := m.byKey[req.Key]

	switch req.Kind {
	case KindVariant:
		langs := normalizeLangs(req.DstLanguages)
		if s, ok := group[langSetKey(langs)]; ok {
			return s, nil
		}
		return m.create(req.Key, langs)

	case KindLiveManifest:
		for _, s := range group {
			return s, nil
		}
		return nil, fmt.Errorf("no session for live request %s", req.Path)

	default:
		langs := normalizeLangs([]string{req.DstLang})
		for _, s := range group {
			if s.HasLanguages(langs) {
				return s, nil
			}
		}
		return m.create(req.Key, langs)
	}
}

// create registers a new session; the caller holds the lock. Sessions
// are indexed by the requested language set, which for transcribe mode
// can be narrower than what the session serves.
func (m *Manager) create(key Key, dstLanguages []string) (*Session, error) {
	s, err := newSession(key, dstLanguages, m.deps)
	if err != nil {
		return nil, err
	}
	s.langSet = langSetKey(dstLanguages)

	group := m.byKey[key]
	if group == nil {
		group = make(map[string]*Session)
		m.byKey[key] = group
	}
	group[s.langSet] = s
	m.byID[s.ID()] = s

	m.logger.Info("session created",
		slog.String("session_id", s.ID()),
		slog.String("protocol", string(key.Protocol)),
		slog.String("streaming", string(key.Streaming)),
		slog.String("mode", string(key.Mode)),
		slog.String("src_lang", key.SrcLang),
		slog.Any("dst_langs", s.Languages()),
	)
	return s, nil
}

// ByID returns a session by its identifier.
func (m *Manager) ByID(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// List returns every live session.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Remove closes a session and drops it from the registry.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.byID[id]
	if ok {
		m.drop(s)
	}
	m.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// drop unregisters a session; the caller holds the lock.
func (m *Manager) drop(s *Session) {
	delete(m.byID, s.ID())
	group := m.byKey[s.Key()]
	delete(group, s.langSet)
	if len(group) == 0 {
		delete(m.byKey, s.Key())
	}
}

// reapIdle closes sessions that have not seen a request within the
// idle TTL. Live transcription keeps billing the speech engine, so
// abandoned sessions must not linger.
func (m *Manager) reapIdle() {
	ttl := m.deps.Config.Session.IdleTTL
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.byID {
		if s.LastRequest().Before(cutoff) {
			idle = append(idle, s)
			m.drop(s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.logger.Info("reaping idle session",
			slog.String("session_id", s.ID()),
			slog.Duration("idle_ttl", ttl))
		s.Close()
	}
}

// Close stops the reaper and closes every session.
func (m *Manager) Close() {
	ctx := m.cron.Stop()
	<-ctx.Done()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.byID = make(map[string]*Session)
	m.byKey = make(map[Key]map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
