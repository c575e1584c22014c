// Package session tracks per-chat Architect sessions: saved thread ids,
// persistent worker allocations, in-flight request markers, and the safe
// restart coordinator. All state lives in a single State container guarded
// by one lock and is flushed to durable JSON files after every mutation.
package session

import (
	"sync"
	"time"
)

// Session is the canonical per-chat record. All other representations
// (the legacy three-file layout) are derived views.
//
// A zero-valued Session must never exist as a map entry; mutators delete
// entries that become empty. WorkerCreatedAt and WorkerLastUsedAt are
// either both set or both zero: a worker exists or it does not.
type Session struct {
	// ThreadID lets the executor resume a prior conversation. Empty means
	// no saved context.
	ThreadID string

	WorkerCreatedAt         time.Time
	WorkerLastUsedAt        time.Time
	WorkerPolicyFingerprint string

	// InFlightStartedAt is set while a request for this chat is actively
	// executing; it survives a crash and is how interrupted work is found
	// on the next boot. InFlightMessageID is the Telegram message to reply
	// to (0 when unknown; Telegram message ids start at 1).
	InFlightStartedAt time.Time
	InFlightMessageID int
}

func (c *Session) empty() bool {
	return c.ThreadID == "" &&
		c.WorkerCreatedAt.IsZero() &&
		c.WorkerLastUsedAt.IsZero() &&
		c.WorkerPolicyFingerprint == "" &&
		c.InFlightStartedAt.IsZero() &&
		c.InFlightMessageID == 0
}

func (c *Session) hasWorker() bool {
	return !c.WorkerCreatedAt.IsZero() && !c.WorkerLastUsedAt.IsZero()
}

func (c *Session) clearWorker() {
	c.WorkerCreatedAt = time.Time{}
	c.WorkerLastUsedAt = time.Time{}
	c.WorkerPolicyFingerprint = ""
}

// InFlight describes a request that was executing when the process last
// stopped, as returned by PopInterruptedRequests.
type InFlight struct {
	StartedAt time.Time
	MessageID int
}

// Paths names the durable state files. Canonical is the source of truth;
// the other three are the legacy mirror kept for backward-compatible
// consumers.
type Paths struct {
	Canonical string
	Threads   string
	Workers   string
	InFlight  string
}

// DefaultPaths returns the standard file layout under stateDir.
func DefaultPaths(stateDir string) Paths {
	return Paths{
		Canonical: stateDir + "/chat_sessions.json",
		Threads:   stateDir + "/chat_threads.json",
		Workers:   stateDir + "/worker_sessions.json",
		InFlight:  stateDir + "/in_flight_requests.json",
	}
}

// State is the process-wide session container. One mutex guards the
// session map, the busy set, the rate-limit windows, and the restart
// coordinator fields. Mutators hold the lock only for the in-memory change
// and snapshot serialization; file writes happen after release.
type State struct {
	mu        sync.Mutex
	startedAt time.Time
	sessions  map[int64]*Session
	busy      map[int64]struct{}
	recent    map[int64][]time.Time

	restartQueued  bool
	restartRunning bool
	restartChatID  int64
	restartReplyTo int

	paths Paths

	// Injectable for tests.
	now       func() time.Time
	writeFile func(path string, data []byte) error
}

// NewState creates an empty State persisting to the given paths.
func NewState(paths Paths) *State {
	return &State{
		startedAt: time.Now(),
		sessions:  make(map[int64]*Session),
		busy:      make(map[int64]struct{}),
		recent:    make(map[int64][]time.Time),
		paths:     paths,
		now:       time.Now,
		writeFile: atomicWriteFile,
	}
}

// StartedAt reports when this State was constructed (process start).
func (s *State) StartedAt() time.Time {
	return s.startedAt
}

// SessionCount returns the number of chats with any saved state.
func (s *State) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// WorkerCount returns the number of chats with an active worker.
func (s *State) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerCountLocked()
}

func (s *State) workerCountLocked() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.hasWorker() {
			n++
		}
	}
	return n
}

// MarkBusy records that a request for chat is starting. It returns false
// if the chat already has a running request.
func (s *State) MarkBusy(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.busy[chatID]; ok {
		return false
	}
	s.busy[chatID] = struct{}{}
	return true
}

// ClearBusy removes the chat from the busy set.
func (s *State) ClearBusy(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, chatID)
}

// BusyCount returns the number of chats currently executing a request.
func (s *State) BusyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.busy)
}

// AllowRequest applies a sliding one-minute rate limit per chat. It
// returns false when the chat has already made perMinute requests in the
// last minute; otherwise the request is recorded and allowed.
func (s *State) AllowRequest(chatID int64, perMinute int) bool {
	now := s.now()
	threshold := now.Add(-time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.recent[chatID][:0]
	for _, t := range s.recent[chatID] {
		if !t.Before(threshold) {
			entries = append(entries, t)
		}
	}
	if len(entries) >= perMinute {
		s.recent[chatID] = entries
		return false
	}
	s.recent[chatID] = append(entries, now)
	return true
}
