package session

// RestartDecision is the outcome of RequestSafeRestart.
type RestartDecision int

const (
	// RestartRunNow means nothing is busy and the restart may run
	// immediately; the coordinator is already in the running state.
	RestartRunNow RestartDecision = iota
	// RestartQueued means the restart waits until the busy set drains.
	RestartQueued
	// RestartAlreadyQueued means a restart was already waiting.
	RestartAlreadyQueued
	// RestartInProgress means a restart attempt is currently executing.
	RestartInProgress
)

// RequestSafeRestart asks for a disruptive restart on behalf of a chat.
// If any chat is mid-request the restart is queued; otherwise the
// coordinator transitions straight to running and the caller should
// execute the restart action now. The busy count at decision time is
// returned for user feedback.
func (s *State) RequestSafeRestart(chatID int64, replyTo int) (RestartDecision, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	busyCount := len(s.busy)
	if s.restartRunning {
		return RestartInProgress, busyCount
	}
	if s.restartQueued {
		return RestartAlreadyQueued, busyCount
	}

	s.restartChatID = chatID
	s.restartReplyTo = replyTo
	if busyCount > 0 {
		s.restartQueued = true
		return RestartQueued, busyCount
	}
	s.restartRunning = true
	return RestartRunNow, busyCount
}

// PopReadyRestart hands out a queued restart once the busy set is empty,
// flipping the coordinator to running. It returns ok=false while a restart
// is running, none is queued, or work is still in progress. Callers invoke
// it after every finished chat request.
func (s *State) PopReadyRestart() (chatID int64, replyTo int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restartRunning || !s.restartQueued || len(s.busy) > 0 {
		return 0, 0, false
	}
	if s.restartChatID == 0 {
		return 0, 0, false
	}
	s.restartQueued = false
	s.restartRunning = true
	return s.restartChatID, s.restartReplyTo, true
}

// FinishRestartAttempt returns the coordinator to idle. It runs whether
// the restart action succeeded, failed, or timed out, so a failed attempt
// never wedges future restart requests.
func (s *State) FinishRestartAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartRunning = false
}

// RestartPending reports the coordinator flags for status displays.
func (s *State) RestartPending() (queued, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartQueued, s.restartRunning
}
