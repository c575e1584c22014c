package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jxucoder/archbridge/internal/session"
)

// idleSweepInterval is how often the run loop reclaims idle workers.
const idleSweepInterval = time.Minute

// RecoverInterrupted notifies chats whose requests were cut short by the
// previous process dying mid-flight. It runs once at startup, before
// polling begins.
func (b *Bridge) RecoverInterrupted() {
	interrupted, err := b.state.PopInterruptedRequests()
	if err != nil {
		log.Printf("bridge: failed to persist cleared in-flight markers: %v", err)
	}
	if len(interrupted) == 0 {
		return
	}

	for _, chatID := range session.InterruptedChatIDs(interrupted) {
		if !b.cfg.ChatAllowed(chatID) {
			continue
		}
		b.sendText(chatID, interruptedMessage, 0)
	}
	log.Printf("bridge: detected %d interrupted in-flight request(s) from previous runtime", len(interrupted))
}

// DropPendingUpdates discards the update backlog that accumulated while
// the bridge was down and returns the offset polling should start from.
func DropPendingUpdates(api *tgbotapi.BotAPI) int {
	offset := 0
	dropped := 0

	for {
		updates, err := api.GetUpdates(tgbotapi.UpdateConfig{Offset: offset, Timeout: 0})
		if err != nil {
			log.Printf("bridge: failed to discard queued startup updates: %v", err)
			break
		}
		if len(updates) == 0 {
			break
		}

		dropped += len(updates)
		next := offset
		for _, update := range updates {
			if update.UpdateID+1 > next {
				next = update.UpdateID + 1
			}
		}
		if next == offset {
			log.Printf("bridge: startup backlog discard could not advance offset; stopping")
			break
		}
		offset = next
	}

	if dropped > 0 {
		log.Printf("bridge: dropped %d queued update(s) at startup", dropped)
	}
	return offset
}

// Run consumes polled updates until the context is cancelled or the
// channel closes, sweeping idle workers between updates. It waits for
// dispatched request workers before returning.
func (b *Bridge) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	sweep := time.NewTicker(idleSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			b.wg.Wait()
			return
		case <-sweep.C:
			b.sweepIdleWorkers()
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return
			}
			b.HandleUpdate(update)
		}
	}
}

// sweepIdleWorkers reclaims workers idle past the timeout and tells the
// affected chats their context is gone.
func (b *Bridge) sweepIdleWorkers() {
	if !b.cfg.WorkersEnabled {
		return
	}

	expired, err := b.state.ExpireIdleWorkers(b.poolConfig(), b.now())
	if err != nil {
		log.Printf("bridge: failed to persist idle worker expiry: %v", err)
	}
	if len(expired) == 0 {
		return
	}

	timeoutMins := int(b.cfg.WorkersIdleTimeout.Minutes())
	if timeoutMins < 1 {
		timeoutMins = 1
	}
	notice := fmt.Sprintf(
		"Your Architect session expired after %d minutes of inactivity. Context was cleared.",
		timeoutMins)
	for _, chatID := range expired {
		if !b.cfg.ChatAllowed(chatID) {
			continue
		}
		b.sendText(chatID, notice, 0)
	}
}
