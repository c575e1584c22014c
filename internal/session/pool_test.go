package session

import (
	"testing"
	"time"
)

func testPoolConfig(maxWorkers int, fingerprint string) PoolConfig {
	return PoolConfig{
		MaxWorkers:  maxWorkers,
		IdleTimeout: time.Hour,
		Fingerprint: func([]string) string { return fingerprint },
	}
}

func TestEnsureWorkerSessionAdmitsAndCreatesWorker(t *testing.T) {
	state, now := newTestState(t)

	admission, err := state.EnsureWorkerSession(testPoolConfig(2, "fp"), 1, *now)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !admission.Admitted || admission.RejectedForCapacity {
		t.Fatalf("admission = %+v, want admitted", admission)
	}
	if state.WorkerCount() != 1 {
		t.Fatalf("worker count = %d, want 1", state.WorkerCount())
	}
}

func TestEnsureWorkerSessionRejectsWhenAllWorkersBusy(t *testing.T) {
	state, now := newTestState(t)
	cfg := testPoolConfig(1, "fp")

	if _, err := state.EnsureWorkerSession(cfg, 2, *now); err != nil {
		t.Fatalf("seed worker for chat 2: %v", err)
	}
	if err := state.SetThreadID(2, "thread-busy"); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	state.MarkBusy(2)

	admission, err := state.EnsureWorkerSession(cfg, 1, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if admission.Admitted || !admission.RejectedForCapacity {
		t.Fatalf("admission = %+v, want capacity rejection", admission)
	}
	// The busy chat's worker must be untouched.
	if got := state.GetThreadID(2); got != "thread-busy" {
		t.Fatalf("chat 2 thread = %q, want untouched", got)
	}
	if state.WorkerCount() != 1 {
		t.Fatalf("worker count = %d, want 1", state.WorkerCount())
	}
}

func TestEnsureWorkerSessionEvictsOldestIdle(t *testing.T) {
	state, now := newTestState(t)
	cfg := testPoolConfig(2, "fp")

	if _, err := state.EnsureWorkerSession(cfg, 10, *now); err != nil {
		t.Fatalf("seed chat 10: %v", err)
	}
	if _, err := state.EnsureWorkerSession(cfg, 20, now.Add(time.Minute)); err != nil {
		t.Fatalf("seed chat 20: %v", err)
	}
	if err := state.SetThreadID(10, "thread-10"); err != nil {
		t.Fatalf("seed thread 10: %v", err)
	}

	admission, err := state.EnsureWorkerSession(cfg, 30, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ensure chat 30: %v", err)
	}
	if !admission.Admitted {
		t.Fatalf("admission = %+v, want admitted", admission)
	}
	if admission.EvictedChatID != 10 {
		t.Fatalf("evicted chat = %d, want 10 (oldest idle)", admission.EvictedChatID)
	}
	if got := state.GetThreadID(10); got != "" {
		t.Fatalf("evicted chat thread = %q, want cleared", got)
	}
	if state.WorkerCount() != 2 {
		t.Fatalf("worker count = %d, want capacity bound 2", state.WorkerCount())
	}
}

func TestEnsureWorkerSessionEvictionTieBreaksOnLowestChatID(t *testing.T) {
	state, now := newTestState(t)
	cfg := testPoolConfig(2, "fp")

	// Same requestedAt for both, so last-used times tie.
	if _, err := state.EnsureWorkerSession(cfg, 7, *now); err != nil {
		t.Fatalf("seed chat 7: %v", err)
	}
	if _, err := state.EnsureWorkerSession(cfg, 3, *now); err != nil {
		t.Fatalf("seed chat 3: %v", err)
	}

	admission, err := state.EnsureWorkerSession(cfg, 9, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ensure chat 9: %v", err)
	}
	if admission.EvictedChatID != 3 {
		t.Fatalf("evicted chat = %d, want 3 (lowest id on tie)", admission.EvictedChatID)
	}
}

func TestEnsureWorkerSessionPolicyChangeReplacesSession(t *testing.T) {
	state, now := newTestState(t)

	if _, err := state.EnsureWorkerSession(testPoolConfig(2, "fp-old"), 1, *now); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	if err := state.SetThreadID(1, "thread-old"); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	admission, err := state.EnsureWorkerSession(testPoolConfig(2, "fp-new"), 1, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ensure after policy change: %v", err)
	}
	if !admission.PolicyReplaced {
		t.Fatalf("admission = %+v, want policy replacement", admission)
	}
	if !admission.Admitted {
		t.Fatalf("admission = %+v, want admitted after replacement", admission)
	}
	if got := state.GetThreadID(1); got != "" {
		t.Fatalf("thread id = %q, want cleared by policy replacement", got)
	}

	state.mu.Lock()
	fp := state.sessions[1].WorkerPolicyFingerprint
	state.mu.Unlock()
	if fp != "fp-new" {
		t.Fatalf("fingerprint = %q, want %q", fp, "fp-new")
	}
}

func TestEnsureWorkerSessionRefreshesExistingWorker(t *testing.T) {
	state, now := newTestState(t)
	cfg := testPoolConfig(2, "fp")

	if _, err := state.EnsureWorkerSession(cfg, 1, *now); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	later := now.Add(10 * time.Minute)
	admission, err := state.EnsureWorkerSession(cfg, 1, later)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if !admission.Admitted || admission.EvictedChatID != 0 || admission.PolicyReplaced {
		t.Fatalf("admission = %+v, want plain refresh", admission)
	}

	state.mu.Lock()
	created := state.sessions[1].WorkerCreatedAt
	lastUsed := state.sessions[1].WorkerLastUsedAt
	state.mu.Unlock()
	if !created.Equal(*now) {
		t.Fatalf("created at = %v, want original %v", created, *now)
	}
	if !lastUsed.Equal(later) {
		t.Fatalf("last used = %v, want refreshed %v", lastUsed, later)
	}
}

func TestCapacityInvariantHoldsUnderChurn(t *testing.T) {
	state, now := newTestState(t)
	cfg := testPoolConfig(3, "fp")

	at := *now
	for chat := int64(1); chat <= 20; chat++ {
		at = at.Add(time.Second)
		if _, err := state.EnsureWorkerSession(cfg, chat, at); err != nil {
			t.Fatalf("ensure chat %d: %v", chat, err)
		}
		if state.WorkerCount() > cfg.MaxWorkers {
			t.Fatalf("worker count %d exceeds max %d", state.WorkerCount(), cfg.MaxWorkers)
		}
	}
}

func TestExpireIdleWorkers(t *testing.T) {
	state, now := newTestState(t)
	cfg := PoolConfig{
		MaxWorkers:  4,
		IdleTimeout: 10 * time.Minute,
		Fingerprint: func([]string) string { return "fp" },
	}

	if _, err := state.EnsureWorkerSession(cfg, 1, *now); err != nil {
		t.Fatalf("seed chat 1: %v", err)
	}
	if _, err := state.EnsureWorkerSession(cfg, 2, *now); err != nil {
		t.Fatalf("seed chat 2: %v", err)
	}
	if _, err := state.EnsureWorkerSession(cfg, 3, now.Add(9*time.Minute)); err != nil {
		t.Fatalf("seed chat 3: %v", err)
	}
	state.MarkBusy(2)

	expired, err := state.ExpireIdleWorkers(cfg, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expired = %v, want [1]: busy chats and fresh workers survive", expired)
	}
	if state.WorkerCount() != 2 {
		t.Fatalf("worker count = %d, want 2", state.WorkerCount())
	}
}

func TestExpireIdleWorkersReturnsAscendingChatIDs(t *testing.T) {
	state, now := newTestState(t)
	cfg := PoolConfig{
		MaxWorkers:  8,
		IdleTimeout: 10 * time.Minute,
		Fingerprint: func([]string) string { return "fp" },
	}

	for _, chatID := range []int64{7, 3, 5, 1} {
		if _, err := state.EnsureWorkerSession(cfg, chatID, *now); err != nil {
			t.Fatalf("seed chat %d: %v", chatID, err)
		}
	}

	expired, err := state.ExpireIdleWorkers(cfg, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	want := []int64{1, 3, 5, 7}
	if len(expired) != len(want) {
		t.Fatalf("expired = %v, want %v", expired, want)
	}
	for i := range want {
		if expired[i] != want[i] {
			t.Fatalf("expired = %v, want %v", expired, want)
		}
	}
}

func TestExpireIdleWorkersEmptySweepDoesNotPersist(t *testing.T) {
	state, now := newTestState(t)
	cfg := testPoolConfig(4, "fp")

	writes := 0
	state.writeFile = func(string, []byte) error {
		writes++
		return nil
	}

	if _, err := state.ExpireIdleWorkers(cfg, *now); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if writes != 0 {
		t.Fatalf("writes = %d, want 0 for an empty sweep", writes)
	}
}
