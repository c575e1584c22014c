package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestState creates a State persisting into a temp dir with a
// controllable clock starting at a fixed instant.
func newTestState(t *testing.T) (*State, *time.Time) {
	t.Helper()
	state := NewState(DefaultPaths(t.TempDir()))
	now := time.Unix(1_700_000_000, 0)
	state.now = func() time.Time { return now }
	return state, &now
}

func readJSONFile(t *testing.T, path string) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return out
}

func TestSetThreadIDPersistsCanonicalAndLegacy(t *testing.T) {
	state, _ := newTestState(t)

	if err := state.SetThreadID(1, "thread-xyz"); err != nil {
		t.Fatalf("set thread id: %v", err)
	}

	threads := readJSONFile(t, state.paths.Threads)
	var threadID string
	if err := json.Unmarshal(threads["1"], &threadID); err != nil || threadID != "thread-xyz" {
		t.Fatalf("chat_threads entry = %s, want %q", threads["1"], "thread-xyz")
	}

	canonical := readJSONFile(t, state.paths.Canonical)
	if _, ok := canonical["1"]; !ok {
		t.Fatalf("chat_sessions.json missing entry for chat 1: %v", canonical)
	}

	if got := state.GetThreadID(1); got != "thread-xyz" {
		t.Fatalf("GetThreadID = %q, want %q", got, "thread-xyz")
	}
}

func TestSetThreadIDSameValueSkipsWrite(t *testing.T) {
	state, _ := newTestState(t)

	writes := 0
	underlying := state.writeFile
	state.writeFile = func(path string, data []byte) error {
		if path == state.paths.Canonical {
			writes++
		}
		return underlying(path, data)
	}

	if err := state.SetThreadID(1, "thread-1"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := state.SetThreadID(1, "thread-1"); err != nil {
		t.Fatalf("second set: %v", err)
	}
	if writes != 1 {
		t.Fatalf("canonical writes = %d, want exactly 1", writes)
	}
}

func TestClearThreadIDRemovesEmptyEntry(t *testing.T) {
	state, _ := newTestState(t)

	if err := state.SetThreadID(1, "thread-1"); err != nil {
		t.Fatalf("set thread id: %v", err)
	}
	changed, err := state.ClearThreadID(1)
	if err != nil || !changed {
		t.Fatalf("clear thread id: changed=%v err=%v", changed, err)
	}
	if state.SessionCount() != 0 {
		t.Fatalf("session map should be empty after clearing the only field")
	}

	threads := readJSONFile(t, state.paths.Threads)
	if len(threads) != 0 {
		t.Fatalf("chat_threads.json should be empty, got %v", threads)
	}

	changed, err = state.ClearThreadID(1)
	if err != nil || changed {
		t.Fatalf("second clear should be a no-op, changed=%v err=%v", changed, err)
	}
}

func TestMarkAndClearInFlight(t *testing.T) {
	state, _ := newTestState(t)

	if err := state.MarkInFlight(1, 55); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	inflight := readJSONFile(t, state.paths.InFlight)
	var entry LegacyInFlight
	if err := json.Unmarshal(inflight["1"], &entry); err != nil {
		t.Fatalf("parse in-flight entry: %v", err)
	}
	if entry.MessageID == nil || *entry.MessageID != 55 {
		t.Fatalf("in-flight message_id = %v, want 55", entry.MessageID)
	}

	if err := state.ClearInFlight(1); err != nil {
		t.Fatalf("clear in flight: %v", err)
	}
	cleared := readJSONFile(t, state.paths.InFlight)
	if len(cleared) != 0 {
		t.Fatalf("in_flight_requests.json should be empty, got %v", cleared)
	}
	if state.SessionCount() != 0 {
		t.Fatalf("entry should be garbage collected once empty")
	}
}

func TestPopInterruptedRequestsIsOneShot(t *testing.T) {
	state, _ := newTestState(t)

	if err := state.MarkInFlight(1, 10); err != nil {
		t.Fatalf("mark chat 1: %v", err)
	}
	if err := state.MarkInFlight(2, 0); err != nil {
		t.Fatalf("mark chat 2: %v", err)
	}

	interrupted, err := state.PopInterruptedRequests()
	if err != nil {
		t.Fatalf("pop interrupted: %v", err)
	}
	if len(interrupted) != 2 {
		t.Fatalf("interrupted = %v, want 2 chats", interrupted)
	}
	if interrupted[1].MessageID != 10 {
		t.Fatalf("chat 1 message id = %d, want 10", interrupted[1].MessageID)
	}
	if ids := InterruptedChatIDs(interrupted); len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("InterruptedChatIDs = %v, want [1 2]", ids)
	}

	again, err := state.PopInterruptedRequests()
	if err != nil {
		t.Fatalf("second pop: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pop should be empty, got %v", again)
	}
}

func TestSetThreadIDBumpsWorkerLastUsed(t *testing.T) {
	state, now := newTestState(t)

	cfg := PoolConfig{
		MaxWorkers:  4,
		IdleTimeout: time.Hour,
		Fingerprint: func([]string) string { return "fp" },
	}
	if _, err := state.EnsureWorkerSession(cfg, 1, *now); err != nil {
		t.Fatalf("ensure worker: %v", err)
	}

	*now = now.Add(30 * time.Second)
	if err := state.SetThreadID(1, "thread-1"); err != nil {
		t.Fatalf("set thread id: %v", err)
	}

	state.mu.Lock()
	lastUsed := state.sessions[1].WorkerLastUsedAt
	state.mu.Unlock()
	if !lastUsed.Equal(*now) {
		t.Fatalf("worker last used = %v, want %v", lastUsed, *now)
	}
}

func TestMarkBusyIsExclusivePerChat(t *testing.T) {
	state, _ := newTestState(t)

	if !state.MarkBusy(1) {
		t.Fatal("first MarkBusy should succeed")
	}
	if state.MarkBusy(1) {
		t.Fatal("second MarkBusy for the same chat should fail")
	}
	if state.BusyCount() != 1 {
		t.Fatalf("busy count = %d, want 1", state.BusyCount())
	}
	state.ClearBusy(1)
	if !state.MarkBusy(1) {
		t.Fatal("MarkBusy after ClearBusy should succeed")
	}
}

func TestAllowRequestSlidingWindow(t *testing.T) {
	state, now := newTestState(t)

	for i := 0; i < 3; i++ {
		if !state.AllowRequest(1, 3) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if state.AllowRequest(1, 3) {
		t.Fatal("fourth request within the window should be limited")
	}

	*now = now.Add(61 * time.Second)
	if !state.AllowRequest(1, 3) {
		t.Fatal("request after the window expires should be allowed")
	}
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := atomicWriteFile(path, []byte(`{}`)); err != nil {
		t.Fatalf("atomic write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}
