package session

import "testing"

func TestRestartRunsImmediatelyWhenIdle(t *testing.T) {
	state, _ := newTestState(t)

	decision, busy := state.RequestSafeRestart(5, 100)
	if decision != RestartRunNow || busy != 0 {
		t.Fatalf("decision = %v busy = %d, want run-now with 0 busy", decision, busy)
	}

	// The coordinator is now running; nothing further to pop.
	if _, _, ok := state.PopReadyRestart(); ok {
		t.Fatal("PopReadyRestart returned work while a restart is running")
	}
	if queued, running := state.RestartPending(); queued || !running {
		t.Fatalf("pending = (%v, %v), want (false, true)", queued, running)
	}

	state.FinishRestartAttempt()
	if queued, running := state.RestartPending(); queued || running {
		t.Fatalf("pending after finish = (%v, %v), want idle", queued, running)
	}
}

func TestRestartQueuesWhileBusyAndPopsOnce(t *testing.T) {
	state, _ := newTestState(t)
	state.MarkBusy(1)
	state.MarkBusy(2)

	decision, busy := state.RequestSafeRestart(5, 100)
	if decision != RestartQueued || busy != 2 {
		t.Fatalf("decision = %v busy = %d, want queued with 2 busy", decision, busy)
	}

	// A second request while queued reports the existing queue entry.
	if decision, _ := state.RequestSafeRestart(6, 200); decision != RestartAlreadyQueued {
		t.Fatalf("second request decision = %v, want already-queued", decision)
	}

	// Still busy: nothing pops.
	state.ClearBusy(1)
	if _, _, ok := state.PopReadyRestart(); ok {
		t.Fatal("restart popped while a chat is still busy")
	}

	state.ClearBusy(2)
	chatID, replyTo, ok := state.PopReadyRestart()
	if !ok || chatID != 5 || replyTo != 100 {
		t.Fatalf("pop = (%d, %d, %v), want original requester (5, 100, true)", chatID, replyTo, ok)
	}

	// Exactly one pop per queued restart.
	if _, _, ok := state.PopReadyRestart(); ok {
		t.Fatal("queued restart popped twice")
	}
}

func TestRestartRejectedWhileRunning(t *testing.T) {
	state, _ := newTestState(t)

	if decision, _ := state.RequestSafeRestart(5, 100); decision != RestartRunNow {
		t.Fatalf("first decision = %v, want run-now", decision)
	}
	if decision, _ := state.RequestSafeRestart(6, 200); decision != RestartInProgress {
		t.Fatalf("decision during restart = %v, want in-progress", decision)
	}

	// After the attempt finishes a new request is accepted again.
	state.FinishRestartAttempt()
	if decision, _ := state.RequestSafeRestart(7, 300); decision != RestartRunNow {
		t.Fatalf("decision after finish = %v, want run-now", decision)
	}
}

func TestFailedRestartDoesNotWedgeCoordinator(t *testing.T) {
	state, _ := newTestState(t)
	state.MarkBusy(1)

	if decision, _ := state.RequestSafeRestart(5, 100); decision != RestartQueued {
		t.Fatal("expected queued restart")
	}
	state.ClearBusy(1)
	if _, _, ok := state.PopReadyRestart(); !ok {
		t.Fatal("expected restart to pop")
	}

	// The restart action failed; the coordinator must return to idle.
	state.FinishRestartAttempt()
	if queued, running := state.RestartPending(); queued || running {
		t.Fatalf("pending = (%v, %v), want idle after failed attempt", queued, running)
	}
	if decision, _ := state.RequestSafeRestart(6, 200); decision != RestartRunNow {
		t.Fatalf("decision = %v, want run-now after recovery", decision)
	}
}
