package session

import "time"

// ChatStatus describes one chat's slice of the pool for status displays.
type ChatStatus struct {
	HasThread bool          `json:"has_thread"`
	HasWorker bool          `json:"has_worker"`
	Busy      bool          `json:"busy"`
	IdleFor   time.Duration `json:"idle_for"`
}

// Status is a point-in-time snapshot of the State for /status and the
// HTTP API.
type Status struct {
	Uptime         time.Duration `json:"uptime"`
	BusyChats      int           `json:"busy_chats"`
	Sessions       int           `json:"sessions"`
	ActiveWorkers  int           `json:"active_workers"`
	RestartQueued  bool          `json:"restart_queued"`
	RestartRunning bool          `json:"restart_running"`
}

// Snapshot captures the pool-wide counters in one lock acquisition.
func (s *State) Snapshot(now time.Time) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Uptime:         now.Sub(s.startedAt),
		BusyChats:      len(s.busy),
		Sessions:       len(s.sessions),
		ActiveWorkers:  s.workerCountLocked(),
		RestartQueued:  s.restartQueued,
		RestartRunning: s.restartRunning,
	}
}

// ChatSnapshot captures one chat's state, or ok=false when the chat has
// no saved session at all.
func (s *State) ChatSnapshot(chatID int64, now time.Time) (ChatStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok {
		return ChatStatus{}, false
	}
	_, busy := s.busy[chatID]
	status := ChatStatus{
		HasThread: sess.ThreadID != "",
		HasWorker: sess.hasWorker(),
		Busy:      busy,
	}
	if sess.hasWorker() {
		idle := now.Sub(sess.WorkerLastUsedAt)
		if idle < 0 {
			idle = 0
		}
		status.IdleFor = idle
	}
	return status, true
}
