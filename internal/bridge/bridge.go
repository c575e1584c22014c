// Package bridge routes Telegram chat messages to the Architect CLI
// executor: allowlisting, command handling, worker admission, busy and
// rate limits, and per-chat request dispatch.
package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jxucoder/archbridge/internal/config"
	"github.com/jxucoder/archbridge/internal/executor"
	"github.com/jxucoder/archbridge/internal/history"
	"github.com/jxucoder/archbridge/internal/session"
	"github.com/jxucoder/archbridge/internal/telegram"
)

// Chat-facing messages.
const (
	deniedMessage        = "Access denied for this chat."
	busyMessage          = "Another request is still running. Please wait."
	timeoutMessage       = "Request timed out. Please try a shorter prompt."
	genericErrorMessage  = "Execution failed. Please try again later."
	retryFailedMessage   = "Execution failed after an automatic retry. Please resend your request."
	rateLimitMessage     = "Rate limit exceeded. Please wait a minute and retry."
	capacityMessage      = "All Architect workers are currently in use. Please wait and retry."
	emptyOutputMessage   = "(No output from Architect)"
	startMessage         = "Telegram Architect bridge is online. Send a prompt to begin."
	interruptedMessage   = "Your previous request was interrupted because the bridge restarted. Please resend it."
	evictionNotice       = "Your Architect session was closed to free worker capacity. Send a new message to start a fresh context."
	policyRefreshNotice  = "Policy/context files changed. Your previous session was reset and this request will continue in a new session."
	imageDownloadError   = "Image download failed. Please send another image."
	voiceDownloadError   = "Voice download failed. Please send another voice message."
	documentDownloadErr  = "File download failed. Please send another file."
	voiceNotConfigured   = "Voice transcription is not configured. Please ask admin to set TELEGRAM_VOICE_TRANSCRIBE_CMD."
	voiceTranscribeError = "Voice transcription failed. Please send clearer audio."
	voiceTranscribeEmpty = "Voice transcription was empty. Please send clearer audio."
)

// progressReporter is the slice of telegram.Reporter the prompt pipeline
// drives. Tests substitute a no-op recorder.
type progressReporter interface {
	Start()
	Close()
	SetPhase(phase string, immediate bool)
	MarkSuccess()
	MarkFailure(reason string)
	HandleExecutorEvent(event executor.ProgressEvent)
}

// Bridge wires the Telegram transport to the session pool, the request
// history, and the executor.
type Bridge struct {
	cfg    *config.Config
	state  *session.State
	hist   *history.Store
	client telegram.Client

	// Injected seams for tests. Production wiring is set by New.
	runExecutor   func(ctx context.Context, cfg executor.Config, req executor.Request) (executor.Result, error)
	transcribe    func(ctx context.Context, template []string, timeout time.Duration, voicePath string) (string, error)
	restartScript func() error
	newReporter   func(chatID int64, replyTo int) progressReporter
	now           func() time.Time

	wg sync.WaitGroup
}

// New builds a Bridge over a loaded session state. hist may be nil when
// request history is disabled.
func New(cfg *config.Config, state *session.State, hist *history.Store, client telegram.Client) *Bridge {
	b := &Bridge{
		cfg:         cfg,
		state:       state,
		hist:        hist,
		client:      client,
		runExecutor: executor.Run,
		transcribe:  telegram.TranscribeVoice,
		now:         time.Now,
	}
	b.restartScript = b.execRestartScript
	b.newReporter = func(chatID int64, replyTo int) progressReporter {
		return telegram.NewReporter(client, chatID, replyTo)
	}
	return b
}

// Wait blocks until all dispatched request workers have finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) poolConfig() session.PoolConfig {
	return session.PoolConfig{
		MaxWorkers:  b.cfg.WorkersMax,
		IdleTimeout: b.cfg.WorkersIdleTimeout,
		PolicyFiles: b.cfg.PolicyFiles,
	}
}

// HandleUpdate processes one polled update. Commands are answered inline;
// prompts are dispatched to a per-chat worker goroutine after admission.
func (b *Bridge) HandleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	messageID := msg.MessageID

	if !b.cfg.ChatAllowed(chatID) {
		log.Printf("bridge: denied non-allowlisted chat_id=%d", chatID)
		b.sendText(chatID, deniedMessage, messageID)
		return
	}

	prompt, media, ok := telegram.ExtractPromptAndMedia(msg)
	if !ok {
		return
	}

	if cmd := telegram.NormalizeCommand(prompt); cmd != "" {
		if b.handleCommand(cmd, chatID, messageID) {
			return
		}
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" && media.VoiceFileID == "" && media.Document == nil && media.PhotoFileID == "" {
		return
	}

	if prompt != "" && len(prompt) > b.cfg.MaxInputChars {
		b.sendText(chatID, inputTooLong(len(prompt), b.cfg.MaxInputChars), messageID)
		return
	}

	if !b.state.AllowRequest(chatID, b.cfg.RateLimitPerMinute) {
		b.sendText(chatID, rateLimitMessage, messageID)
		return
	}

	if !b.admitWorker(chatID, messageID) {
		return
	}

	if !b.state.MarkBusy(chatID) {
		b.sendText(chatID, busyMessage, messageID)
		return
	}
	if err := b.state.MarkInFlight(chatID, messageID); err != nil {
		log.Printf("bridge: failed to persist in-flight marker for chat_id=%d: %v", chatID, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processPrompt(chatID, messageID, prompt, media)
	}()
}

// admitWorker runs pool admission and delivers the resulting notices.
// It returns false when the request was rejected for capacity.
func (b *Bridge) admitWorker(chatID int64, messageID int) bool {
	if !b.cfg.WorkersEnabled {
		return true
	}

	adm, err := b.state.EnsureWorkerSession(b.poolConfig(), chatID, b.now())
	if err != nil {
		log.Printf("bridge: failed to persist worker admission for chat_id=%d: %v", chatID, err)
	}

	if adm.EvictedChatID != 0 && b.cfg.ChatAllowed(adm.EvictedChatID) {
		b.sendText(adm.EvictedChatID, evictionNotice, 0)
	}
	if adm.PolicyReplaced {
		b.sendText(chatID, policyRefreshNotice, messageID)
	}
	if adm.RejectedForCapacity {
		b.sendText(chatID, capacityMessage, messageID)
		return false
	}
	return true
}

// handleCommand answers a slash command. It returns false for unknown
// commands, which then flow to the executor as ordinary prompts.
func (b *Bridge) handleCommand(cmd string, chatID int64, messageID int) bool {
	switch cmd {
	case "/start":
		b.sendText(chatID, startMessage, messageID)
	case "/help", "/h":
		b.sendText(chatID, helpText(), messageID)
	case "/status":
		b.sendText(chatID, b.statusText(chatID), messageID)
	case "/restart":
		b.handleRestartCommand(chatID, messageID)
	case "/reset":
		b.handleResetCommand(chatID, messageID)
	default:
		return false
	}
	b.recordCommand(chatID, cmd)
	return true
}

func (b *Bridge) handleResetCommand(chatID int64, messageID int) {
	removedThread, err := b.state.ClearThreadID(chatID)
	if err != nil {
		log.Printf("bridge: failed to persist thread reset for chat_id=%d: %v", chatID, err)
	}
	removedWorker := false
	if b.cfg.WorkersEnabled {
		if removedWorker, err = b.state.ClearWorkerSession(chatID); err != nil {
			log.Printf("bridge: failed to persist worker reset for chat_id=%d: %v", chatID, err)
		}
	}
	if removedThread || removedWorker {
		b.sendText(chatID, "Context reset. Your next message starts a new conversation.", messageID)
		return
	}
	b.sendText(chatID, "No saved context was found for this chat.", messageID)
}

func helpText() string {
	return "Commands:\n" +
		"/start - bridge intro\n" +
		"/help - show commands\n" +
		"/h - short help alias\n" +
		"/status - show bridge health\n" +
		"/restart - safe restart (queued until current work completes)\n" +
		"/reset - clear chat context\n" +
		"Chat mode: Architect-only for all allowlisted chats.\n\n" +
		"All text/photo/voice/file messages are sent to Architect."
}

func (b *Bridge) statusText(chatID int64) string {
	now := b.now()
	snap := b.state.Snapshot(now)
	chat, chatKnown := b.state.ChatSnapshot(chatID, now)

	lines := []string{
		"Bridge status: healthy",
		fmt.Sprintf("Uptime: %ds", int(snap.Uptime.Seconds())),
		fmt.Sprintf("Busy chats: %d", snap.BusyChats),
		fmt.Sprintf("Restart queued: %s", yesNo(snap.RestartQueued)),
		fmt.Sprintf("Restart in progress: %s", yesNo(snap.RestartRunning)),
		fmt.Sprintf("Persistent workers: %s", enabledDisabled(b.cfg.WorkersEnabled)),
	}

	if b.cfg.WorkersEnabled {
		lines = append(lines,
			fmt.Sprintf("Workers active: %d/%d", snap.ActiveWorkers, b.cfg.WorkersMax),
			fmt.Sprintf("Worker idle timeout: %ds", int(b.cfg.WorkersIdleTimeout.Seconds())),
		)
		if chatKnown && chat.HasWorker {
			lines = append(lines, fmt.Sprintf(
				"This chat worker: active (idle=%ds busy=%s thread=%s)",
				int(chat.IdleFor.Seconds()), yesNo(chat.Busy), yesNo(chat.HasThread),
			))
		} else {
			lines = append(lines, "This chat worker: none")
		}
	} else if chatKnown && chat.HasThread {
		lines = append(lines, "This chat has saved context.")
	}

	return strings.Join(lines, "\n")
}

func inputTooLong(got, limit int) string {
	return fmt.Sprintf("Input too long (%d chars). Max is %d.", got, limit)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func enabledDisabled(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func (b *Bridge) sendText(chatID int64, text string, replyTo int) {
	if err := b.client.SendText(chatID, text, replyTo); err != nil {
		log.Printf("bridge: failed to send message to chat_id=%d: %v", chatID, err)
	}
}

func (b *Bridge) recordCommand(chatID int64, cmd string) {
	if b.hist == nil {
		return
	}
	rec := &history.Record{
		ChatID: chatID,
		Kind:   history.KindCommand,
		Prompt: cmd,
		Status: history.StatusOK,
	}
	if err := b.hist.Add(rec); err != nil {
		log.Printf("bridge: failed to record command for chat_id=%d: %v", chatID, err)
	}
}
