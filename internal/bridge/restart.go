package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"

	"github.com/jxucoder/archbridge/internal/session"
)

// handleRestartCommand runs the safe-restart protocol for /restart: run
// immediately when nothing is busy, otherwise queue until the busy set
// drains.
func (b *Bridge) handleRestartCommand(chatID int64, messageID int) {
	decision, busyCount := b.state.RequestSafeRestart(chatID, messageID)
	switch decision {
	case session.RestartInProgress:
		b.sendText(chatID, "Restart is already in progress.", messageID)
	case session.RestartAlreadyQueued:
		b.sendText(chatID, "Restart is already queued and will run after current work completes.", messageID)
	case session.RestartQueued:
		b.sendText(chatID, fmt.Sprintf(
			"Safe restart queued. Waiting for %d active request(s) to finish.", busyCount), messageID)
	case session.RestartRunNow:
		b.sendText(chatID, "No active request. Restarting bridge now.", messageID)
		b.triggerRestartAsync(chatID, messageID)
	}
}

func (b *Bridge) triggerRestartAsync(chatID int64, replyTo int) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runRestart(chatID, replyTo)
	}()
}

// runRestart executes the restart script and reports failures to the
// requesting chat. The coordinator returns to idle whatever happens, so a
// failed attempt never blocks future restart requests.
func (b *Bridge) runRestart(chatID int64, replyTo int) {
	defer b.state.FinishRestartAttempt()

	err := b.restartScript()
	if err == nil {
		// The process usually dies before reaching this point when the
		// script succeeds.
		return
	}

	log.Printf("bridge: restart script failed: %v", err)
	if errors.Is(err, context.DeadlineExceeded) {
		b.sendText(chatID, "Restart command timed out. Please run restart manually.", replyTo)
		return
	}
	b.sendText(chatID, "Restart failed. Please run the restart script manually.", replyTo)
}

func (b *Bridge) execRestartScript() error {
	if b.cfg.RestartScript == "" {
		return errors.New("restart script is not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RestartTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", b.cfg.RestartScript)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("restart script timed out: %w", context.DeadlineExceeded)
	}
	if err != nil {
		return fmt.Errorf("restart script failed: %w (output: %s)", err, tail(string(output), 1000))
	}
	return nil
}
