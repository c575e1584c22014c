package telegram

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jxucoder/archbridge/internal/executor"
)

const (
	typingInterval    = 4 * time.Second
	editMinInterval   = 6 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Reporter keeps one chat informed while its request runs: a bootstrap
// message edited in place with the current phase, plus a typing
// indicator heartbeat. Edits are throttled so event bursts do not flood
// the Bot API.
type Reporter struct {
	client  Client
	chatID  int64
	replyTo int

	mu                sync.Mutex
	startedAt         time.Time
	phase             string
	commandsStarted   int
	commandsCompleted int
	progressMessageID int
	lastRenderedText  string
	lastEditAt        time.Time
	pendingUpdate     bool

	stop chan struct{}
	done chan struct{}

	now func() time.Time
}

// NewReporter creates a Reporter for one request.
func NewReporter(client Client, chatID int64, replyTo int) *Reporter {
	return &Reporter{
		client:  client,
		chatID:  chatID,
		replyTo: replyTo,
		phase:   "Preparing request.",
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start sends the bootstrap message and begins the heartbeat. A failed
// bootstrap send degrades to typing-only progress.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.startedAt = r.now()
	initial := r.renderLocked()
	r.mu.Unlock()

	messageID, err := r.client.SendTextGetID(r.chatID, initial, r.replyTo)
	if err != nil {
		log.Printf("telegram: progress bootstrap failed for chat %d: %v", r.chatID, err)
	} else {
		r.mu.Lock()
		r.progressMessageID = messageID
		r.lastRenderedText = initial
		r.lastEditAt = r.now()
		r.mu.Unlock()
	}

	r.sendTyping()
	go r.heartbeat()
}

// Close stops the heartbeat. Safe to call once.
func (r *Reporter) Close() {
	close(r.stop)
	<-r.done
}

// SetPhase updates the progress line. With immediate set the edit is
// attempted now, subject to throttling; otherwise it waits for the next
// heartbeat tick.
func (r *Reporter) SetPhase(phase string, immediate bool) {
	r.mu.Lock()
	r.phase = compactProgressText(phase, 180)
	r.pendingUpdate = true
	r.mu.Unlock()
	if immediate {
		r.maybeEdit(false)
	}
}

// MarkSuccess forces a final success edit.
func (r *Reporter) MarkSuccess() {
	r.setPhaseForced("Completed. Sending response.")
}

// MarkFailure forces a final failure edit.
func (r *Reporter) MarkFailure(reason string) {
	r.setPhaseForced(reason)
}

func (r *Reporter) setPhaseForced(phase string) {
	r.mu.Lock()
	r.phase = compactProgressText(phase, 180)
	r.pendingUpdate = true
	r.mu.Unlock()
	r.maybeEdit(true)
}

// HandleExecutorEvent translates stream events into phase updates.
// Called from the executor's drain goroutine.
func (r *Reporter) HandleExecutorEvent(event executor.ProgressEvent) {
	switch event.Kind {
	case executor.ProgressTurnStarted:
		r.SetPhase("Architect is planning the approach.", false)
	case executor.ProgressTurnCompleted:
		r.SetPhase("Architect is finalizing the response.", false)
	case executor.ProgressReasoning:
		if event.Detail != "" {
			r.SetPhase("Architect step: "+compactProgressText(event.Detail, 120), false)
		}
	case executor.ProgressAgentMessage:
		r.SetPhase("Architect is composing the reply.", false)
	case executor.ProgressCommandStarted:
		r.mu.Lock()
		r.commandsStarted++
		r.mu.Unlock()
		command := "shell command"
		if event.Detail != "" {
			command = compactProgressText(event.Detail, 120)
		}
		r.SetPhase("Running command: "+command, false)
	case executor.ProgressCommandCompleted:
		r.mu.Lock()
		r.commandsCompleted++
		r.mu.Unlock()
		switch {
		case event.ExitCode == nil:
			r.SetPhase("A command finished.", false)
		case *event.ExitCode == 0:
			r.SetPhase("A command finished successfully.", false)
		default:
			r.SetPhase(fmt.Sprintf("A command finished with exit code %d.", *event.ExitCode), false)
		}
	}
}

func (r *Reporter) heartbeat() {
	defer close(r.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var nextTypingAt, nextForcedAt time.Time
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			now := r.now()
			if !now.Before(nextTypingAt) {
				r.sendTyping()
				nextTypingAt = now.Add(typingInterval)
			}
			r.maybeEdit(false)
			if !now.Before(nextForcedAt) {
				r.maybeEdit(true)
				nextForcedAt = now.Add(heartbeatInterval)
			}
		}
	}
}

func (r *Reporter) sendTyping() {
	if err := r.client.SendTyping(r.chatID); err != nil {
		log.Printf("telegram: typing action failed for chat %d: %v", r.chatID, err)
	}
}

func (r *Reporter) renderLocked() string {
	elapsed := int(r.now().Sub(r.startedAt).Seconds())
	if elapsed < 1 {
		elapsed = 1
	}
	text := fmt.Sprintf("Architect is working... %ds elapsed.\n%s", elapsed, r.phase)
	if r.commandsStarted > 0 {
		text += fmt.Sprintf("\nCommands done: %d/%d", r.commandsCompleted, r.commandsStarted)
	}
	return TrimOutput(text, MessageLimit)
}

func (r *Reporter) maybeEdit(force bool) {
	r.mu.Lock()
	messageID := r.progressMessageID
	pending := r.pendingUpdate
	sinceLastEdit := r.now().Sub(r.lastEditAt)
	text := r.renderLocked()
	unchanged := text == r.lastRenderedText
	r.mu.Unlock()

	if messageID == 0 {
		return
	}
	if !force {
		if !pending || sinceLastEdit < editMinInterval {
			return
		}
		if unchanged {
			r.mu.Lock()
			r.pendingUpdate = false
			r.mu.Unlock()
			return
		}
	}

	if err := r.client.EditText(r.chatID, messageID, text); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			r.mu.Lock()
			r.pendingUpdate = false
			r.mu.Unlock()
		} else {
			log.Printf("telegram: progress edit failed for chat %d: %v", r.chatID, err)
		}
		return
	}

	r.mu.Lock()
	r.lastRenderedText = text
	r.lastEditAt = r.now()
	r.pendingUpdate = false
	r.mu.Unlock()
}
