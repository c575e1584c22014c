package session

import (
	"sort"
	"time"
)

// PoolConfig bounds the persistent worker pool.
type PoolConfig struct {
	// MaxWorkers caps chats with an active worker across the whole pool.
	MaxWorkers int
	// IdleTimeout is how long a worker may sit unused before the sweep
	// reclaims it.
	IdleTimeout time.Duration
	// PolicyFiles are the config/instruction files whose fingerprint
	// invalidates workers admitted under an older policy.
	PolicyFiles []string
	// Fingerprint overrides ComputePolicyFingerprint, for tests.
	Fingerprint func(paths []string) string
}

func (cfg PoolConfig) fingerprint() string {
	if cfg.Fingerprint != nil {
		return cfg.Fingerprint(cfg.PolicyFiles)
	}
	return ComputePolicyFingerprint(cfg.PolicyFiles)
}

// Admission is the outcome of EnsureWorkerSession. The notices
// (PolicyReplaced, EvictedChatID) are for the caller to deliver: an
// evicted chat lost its context and must be told, and a policy-replaced
// chat continues in a fresh session.
type Admission struct {
	Admitted            bool
	RejectedForCapacity bool
	PolicyReplaced      bool
	// EvictedChatID is the chat whose idle worker was reclaimed to make
	// room, or 0 if none.
	EvictedChatID int64
}

// EnsureWorkerSession decides whether the chat may get or keep a backing
// worker. It applies, in order: policy invalidation of the chat's own
// worker, capacity enforcement with oldest-idle eviction, then admission.
// Busy chats are never evicted; when every worker is busy the request is
// rejected for capacity. The function is pure admission control: it never
// invokes the executor and it sends no messages.
func (s *State) EnsureWorkerSession(cfg PoolConfig, chatID int64, requestedAt time.Time) (Admission, error) {
	currentFingerprint := cfg.fingerprint()
	var result Admission

	_, err := s.mutate(func() bool {
		changed := false
		sess := s.sessions[chatID]

		if sess != nil && sess.hasWorker() &&
			sess.WorkerPolicyFingerprint != "" &&
			sess.WorkerPolicyFingerprint != currentFingerprint {
			sess.clearWorker()
			sess.ThreadID = ""
			s.dropIfEmptyLocked(chatID)
			sess = s.sessions[chatID]
			result.PolicyReplaced = true
			changed = true
		}

		hasWorker := sess != nil && sess.hasWorker()
		if !hasWorker && s.workerCountLocked() >= cfg.MaxWorkers {
			victim, ok := s.oldestIdleWorkerLocked(chatID)
			if !ok {
				result.RejectedForCapacity = true
				return changed
			}
			evicted := s.sessions[victim]
			evicted.clearWorker()
			evicted.ThreadID = ""
			s.dropIfEmptyLocked(victim)
			result.EvictedChatID = victim
			changed = true
		}

		sess = s.sessionLocked(chatID)
		if !sess.hasWorker() {
			sess.WorkerCreatedAt = requestedAt
			sess.WorkerLastUsedAt = requestedAt
			sess.WorkerPolicyFingerprint = currentFingerprint
			changed = true
		} else {
			if !sess.WorkerLastUsedAt.Equal(requestedAt) {
				sess.WorkerLastUsedAt = requestedAt
				changed = true
			}
			if sess.WorkerPolicyFingerprint != currentFingerprint {
				sess.WorkerPolicyFingerprint = currentFingerprint
				changed = true
			}
		}
		result.Admitted = true
		return changed
	})

	return result, err
}

// oldestIdleWorkerLocked finds the eviction victim: the chat with an
// active worker, not busy and not the requester, with the smallest
// last-used time. Ties go to the lowest chat id so the choice is
// deterministic.
func (s *State) oldestIdleWorkerLocked(requester int64) (int64, bool) {
	var victim int64
	var victimAt time.Time
	found := false
	for chatID, sess := range s.sessions {
		if chatID == requester || !sess.hasWorker() {
			continue
		}
		if _, busy := s.busy[chatID]; busy {
			continue
		}
		if !found ||
			sess.WorkerLastUsedAt.Before(victimAt) ||
			(sess.WorkerLastUsedAt.Equal(victimAt) && chatID < victim) {
			victim = chatID
			victimAt = sess.WorkerLastUsedAt
			found = true
		}
	}
	return victim, found
}

// ExpireIdleWorkers tears down every worker that is not busy and has been
// unused for at least the idle timeout, persisting once for the whole
// batch. It returns the expired chat ids in ascending order so the caller
// can notify them deterministically that their context was cleared.
func (s *State) ExpireIdleWorkers(cfg PoolConfig, now time.Time) ([]int64, error) {
	var expired []int64
	_, err := s.mutate(func() bool {
		for chatID, sess := range s.sessions {
			if !sess.hasWorker() {
				continue
			}
			if _, busy := s.busy[chatID]; busy {
				continue
			}
			if now.Sub(sess.WorkerLastUsedAt) < cfg.IdleTimeout {
				continue
			}
			sess.clearWorker()
			sess.ThreadID = ""
			s.dropIfEmptyLocked(chatID)
			expired = append(expired, chatID)
		}
		return len(expired) > 0
	})
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired, err
}
