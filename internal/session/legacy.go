package session

import (
	"math"
	"strings"
	"time"
)

// LegacyWorkerSession is the worker_sessions.json entry shape.
type LegacyWorkerSession struct {
	CreatedAt         float64 `json:"created_at"`
	LastUsedAt        float64 `json:"last_used_at"`
	ThreadID          string  `json:"thread_id"`
	PolicyFingerprint string  `json:"policy_fingerprint"`
}

// LegacyInFlight is the in_flight_requests.json entry shape.
type LegacyInFlight struct {
	StartedAt float64 `json:"started_at"`
	MessageID *int    `json:"message_id,omitempty"`
}

// LegacyState is the three-map layout older consumers read.
type LegacyState struct {
	ChatThreads    map[int64]string
	WorkerSessions map[int64]LegacyWorkerSession
	InFlight       map[int64]LegacyInFlight
}

// unixFloat converts a time to the fractional Unix seconds used on disk.
// The zero time maps to 0.
func unixFloat(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnixFloat(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// FromLegacy builds the canonical map from a legacy triple. Entries that
// would be empty sessions are omitted.
func FromLegacy(l LegacyState) map[int64]Session {
	out := make(map[int64]Session)
	ids := make(map[int64]struct{})
	for id := range l.ChatThreads {
		ids[id] = struct{}{}
	}
	for id := range l.WorkerSessions {
		ids[id] = struct{}{}
	}
	for id := range l.InFlight {
		ids[id] = struct{}{}
	}

	for id := range ids {
		var sess Session
		sess.ThreadID = strings.TrimSpace(l.ChatThreads[id])
		if worker, ok := l.WorkerSessions[id]; ok {
			sess.WorkerCreatedAt = timeFromUnixFloat(worker.CreatedAt)
			sess.WorkerLastUsedAt = timeFromUnixFloat(worker.LastUsedAt)
			sess.WorkerPolicyFingerprint = strings.TrimSpace(worker.PolicyFingerprint)
		}
		if inflight, ok := l.InFlight[id]; ok {
			sess.InFlightStartedAt = timeFromUnixFloat(inflight.StartedAt)
			if inflight.MessageID != nil {
				sess.InFlightMessageID = *inflight.MessageID
			}
		}
		if !sess.empty() {
			out[id] = sess
		}
	}
	return out
}

// ToLegacy derives the legacy triple from a canonical map.
func ToLegacy(sessions map[int64]Session) LegacyState {
	out := LegacyState{
		ChatThreads:    make(map[int64]string),
		WorkerSessions: make(map[int64]LegacyWorkerSession),
		InFlight:       make(map[int64]LegacyInFlight),
	}
	for id, sess := range sessions {
		threadID := strings.TrimSpace(sess.ThreadID)
		if threadID != "" {
			out.ChatThreads[id] = threadID
		}
		if sess.hasWorker() {
			out.WorkerSessions[id] = LegacyWorkerSession{
				CreatedAt:         unixFloat(sess.WorkerCreatedAt),
				LastUsedAt:        unixFloat(sess.WorkerLastUsedAt),
				ThreadID:          threadID,
				PolicyFingerprint: strings.TrimSpace(sess.WorkerPolicyFingerprint),
			}
		}
		if !sess.InFlightStartedAt.IsZero() {
			entry := LegacyInFlight{StartedAt: unixFloat(sess.InFlightStartedAt)}
			if sess.InFlightMessageID != 0 {
				messageID := sess.InFlightMessageID
				entry.MessageID = &messageID
			}
			out.InFlight[id] = entry
		}
	}
	return out
}

func (s *State) toLegacyLocked() LegacyState {
	snapshot := make(map[int64]Session, len(s.sessions))
	for id, sess := range s.sessions {
		snapshot[id] = *sess
	}
	return ToLegacy(snapshot)
}
