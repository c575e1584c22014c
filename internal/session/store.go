package session

import (
	"sort"
	"strings"
	"time"
)

// mutate runs fn under the lock, and if fn reports a change, snapshots and
// persists the full state. File writes happen after the lock is released,
// so a concurrent mutator can race on the rename; the last writer wins and
// no partial file is ever observable.
func (s *State) mutate(fn func() bool) (bool, error) {
	s.mu.Lock()
	changed := fn()
	var f flush
	var err error
	if changed {
		f, err = s.snapshotLocked()
	}
	s.mu.Unlock()

	if !changed || err != nil {
		return changed, err
	}
	return true, s.writeFlush(f)
}

func (s *State) sessionLocked(chatID int64) *Session {
	sess, ok := s.sessions[chatID]
	if !ok {
		sess = &Session{}
		s.sessions[chatID] = sess
	}
	return sess
}

func (s *State) dropIfEmptyLocked(chatID int64) {
	if sess, ok := s.sessions[chatID]; ok && sess.empty() {
		delete(s.sessions, chatID)
	}
}

// GetThreadID returns the saved thread id for the chat, or "" if none.
func (s *State) GetThreadID(chatID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[chatID]; ok {
		return strings.TrimSpace(sess.ThreadID)
	}
	return ""
}

// SetThreadID stores the thread id for the chat, bumping the worker's
// last-used time when a worker exists. Setting the value already stored
// skips the persistence write entirely.
func (s *State) SetThreadID(chatID int64, threadID string) error {
	normalized := strings.TrimSpace(threadID)
	now := s.now()
	_, err := s.mutate(func() bool {
		changed := false
		sess := s.sessionLocked(chatID)
		if sess.ThreadID != normalized {
			sess.ThreadID = normalized
			changed = true
		}
		if sess.hasWorker() && !sess.WorkerLastUsedAt.Equal(now) {
			sess.WorkerLastUsedAt = now
			changed = true
		}
		s.dropIfEmptyLocked(chatID)
		return changed
	})
	return err
}

// ClearThreadID forgets the chat's saved context. It reports whether
// anything changed. If a worker exists its last-used time is still bumped;
// entries left with no content are removed.
func (s *State) ClearThreadID(chatID int64) (bool, error) {
	now := s.now()
	return s.mutate(func() bool {
		sess, ok := s.sessions[chatID]
		if !ok {
			return false
		}
		changed := false
		if sess.ThreadID != "" {
			sess.ThreadID = ""
			changed = true
		}
		if sess.hasWorker() {
			sess.WorkerLastUsedAt = now
			changed = true
		}
		s.dropIfEmptyLocked(chatID)
		return changed
	})
}

// ClearWorkerSession tears down the chat's worker allocation, keeping any
// saved thread id. Used by the /reset command.
func (s *State) ClearWorkerSession(chatID int64) (bool, error) {
	return s.mutate(func() bool {
		sess, ok := s.sessions[chatID]
		if !ok {
			return false
		}
		if !sess.hasWorker() && sess.WorkerPolicyFingerprint == "" {
			return false
		}
		sess.clearWorker()
		s.dropIfEmptyLocked(chatID)
		return true
	})
}

// TouchWorker bumps the worker's last-used time if the chat has one.
func (s *State) TouchWorker(chatID int64) error {
	now := s.now()
	_, err := s.mutate(func() bool {
		sess, ok := s.sessions[chatID]
		if !ok || !sess.hasWorker() {
			return false
		}
		if sess.WorkerLastUsedAt.Equal(now) {
			return false
		}
		sess.WorkerLastUsedAt = now
		return true
	})
	return err
}

// MarkInFlight records that a request for the chat has started executing.
// The marker is durable: if the process dies before ClearInFlight, the
// next boot reports the chat as interrupted.
func (s *State) MarkInFlight(chatID int64, messageID int) error {
	now := s.now()
	_, err := s.mutate(func() bool {
		sess := s.sessionLocked(chatID)
		sess.InFlightStartedAt = now
		sess.InFlightMessageID = messageID
		return true
	})
	return err
}

// ClearInFlight removes the chat's in-flight marker.
func (s *State) ClearInFlight(chatID int64) error {
	_, err := s.mutate(func() bool {
		sess, ok := s.sessions[chatID]
		if !ok {
			return false
		}
		if sess.InFlightStartedAt.IsZero() && sess.InFlightMessageID == 0 {
			return false
		}
		sess.InFlightStartedAt = time.Time{}
		sess.InFlightMessageID = 0
		s.dropIfEmptyLocked(chatID)
		return true
	})
	return err
}

// PopInterruptedRequests atomically collects and clears every in-flight
// marker, persisting once. It is called exactly once at startup, before
// any traffic is served; every returned chat had a request executing when
// the process last stopped.
func (s *State) PopInterruptedRequests() (map[int64]InFlight, error) {
	interrupted := make(map[int64]InFlight)
	_, err := s.mutate(func() bool {
		for chatID, sess := range s.sessions {
			if sess.InFlightStartedAt.IsZero() {
				continue
			}
			interrupted[chatID] = InFlight{
				StartedAt: sess.InFlightStartedAt,
				MessageID: sess.InFlightMessageID,
			}
			sess.InFlightStartedAt = time.Time{}
			sess.InFlightMessageID = 0
			s.dropIfEmptyLocked(chatID)
		}
		return len(interrupted) > 0
	})
	return interrupted, err
}

// InterruptedChatIDs returns the chat ids of an interruption map in
// ascending order, for deterministic notification.
func InterruptedChatIDs(interrupted map[int64]InFlight) []int64 {
	ids := make([]int64, 0, len(interrupted))
	for id := range interrupted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
