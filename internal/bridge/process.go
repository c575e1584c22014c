package bridge

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jxucoder/archbridge/internal/executor"
	"github.com/jxucoder/archbridge/internal/history"
	"github.com/jxucoder/archbridge/internal/telegram"
)

func requestKind(media telegram.Media) history.Kind {
	switch {
	case media.PhotoFileID != "":
		return history.KindPhoto
	case media.VoiceFileID != "":
		return history.KindVoice
	case media.Document != nil:
		return history.KindDocument
	default:
		return history.KindText
	}
}

// processPrompt runs one admitted request to completion: media staging,
// executor invocation with retries, and reply delivery. It always clears
// the chat's busy and in-flight markers on the way out.
func (b *Bridge) processPrompt(chatID int64, messageID int, prompt string, media telegram.Media) {
	start := b.now()
	rec := &history.Record{
		ChatID: chatID,
		Kind:   requestKind(media),
		Prompt: prompt,
		Status: history.StatusError,
	}
	defer b.finalizeChatWork(chatID)
	defer b.recordRequest(rec, start)

	var imagePath, documentPath string
	defer func() {
		removeTemp(imagePath)
		removeTemp(documentPath)
	}()

	progress := b.newReporter(chatID, messageID)
	progress.Start()
	defer progress.Close()

	if media.PhotoFileID != "" {
		progress.SetPhase("Downloading image from Telegram.", true)
		path, ok := b.downloadMedia(progress, chatID, messageID, media.PhotoFileID,
			b.cfg.MaxImageBytes, "image", ".jpg", imageDownloadError, rec)
		if !ok {
			return
		}
		imagePath = path
	}

	if media.VoiceFileID != "" {
		progress.SetPhase("Transcribing voice message.", true)
		transcript, ok := b.transcribeForChat(chatID, messageID, media.VoiceFileID, rec)
		if !ok {
			progress.MarkFailure("Voice transcription failed.")
			return
		}
		if prompt != "" {
			prompt = prompt + "\n\nVoice transcript:\n" + transcript
		} else {
			prompt = transcript
		}
	}

	if media.Document != nil {
		progress.SetPhase("Downloading file from Telegram.", true)
		suffix := filepath.Ext(media.Document.FileName)
		if suffix == "" {
			suffix = ".bin"
		}
		path, ok := b.downloadMedia(progress, chatID, messageID, media.Document.FileID,
			b.cfg.MaxDocumentBytes, "file", suffix, documentDownloadErr, rec)
		if !ok {
			return
		}
		documentPath = path

		size := int64(0)
		if info, err := os.Stat(documentPath); err == nil {
			size = info.Size()
		}
		docContext := telegram.DocumentContext(documentPath, media.Document, size)
		if prompt != "" {
			prompt = prompt + "\n\n" + docContext
		} else {
			prompt = docContext
		}
	}

	if prompt == "" {
		progress.MarkFailure("No prompt content to execute.")
		rec.Status = history.StatusRejected
		rec.Detail = "empty prompt"
		return
	}
	if len(prompt) > b.cfg.MaxInputChars {
		progress.MarkFailure("Input rejected as too long.")
		b.sendText(chatID, inputTooLong(len(prompt), b.cfg.MaxInputChars), messageID)
		rec.Status = history.StatusRejected
		rec.Detail = "input too long"
		return
	}
	rec.Prompt = prompt

	if err := b.state.TouchWorker(chatID); err != nil {
		log.Printf("bridge: failed to persist worker touch for chat_id=%d: %v", chatID, err)
	}
	progress.SetPhase("Sending request to Architect.", true)

	result, ok := b.runWithRetries(progress, chatID, messageID, prompt, imagePath, rec)
	if !ok {
		return
	}

	threadID, output := executor.ParseOutput(result.Stdout)
	if threadID != "" {
		if err := b.state.SetThreadID(chatID, threadID); err != nil {
			log.Printf("bridge: failed to persist thread id for chat_id=%d: %v", chatID, err)
		}
		rec.ThreadID = threadID
	}
	if output == "" {
		output = emptyOutputMessage
	}
	output = telegram.TrimOutput(output, b.cfg.MaxOutputChars)

	progress.MarkSuccess()
	b.sendText(chatID, output, messageID)
	rec.Status = history.StatusOK
}

// runWithRetries invokes the executor, clearing the saved thread and
// retrying as a new session when a resume fails against a vanished thread,
// plus one automatic retry for any failure when persistent workers are on.
func (b *Bridge) runWithRetries(progress progressReporter, chatID int64, messageID int, prompt, imagePath string, rec *history.Record) (executor.Result, bool) {
	allowRetry := b.cfg.WorkersEnabled
	retried := false
	attemptThread := b.state.GetThreadID(chatID)

	for {
		result, err := b.runExecutor(context.Background(),
			executor.Config{Cmd: b.cfg.ExecutorCmd, Timeout: b.cfg.ExecTimeout},
			executor.Request{
				Prompt:     prompt,
				ThreadID:   attemptThread,
				ImagePath:  imagePath,
				OnProgress: progress.HandleExecutorEvent,
			})
		if err != nil {
			if errors.Is(err, executor.ErrTimeout) {
				log.Printf("bridge: executor timeout for chat_id=%d", chatID)
				progress.MarkFailure("Execution timed out.")
				b.sendText(chatID, timeoutMessage, messageID)
				rec.Status = history.StatusTimeout
				return executor.Result{}, false
			}
			log.Printf("bridge: executor error for chat_id=%d: %v", chatID, err)
			if allowRetry && !retried {
				retried = true
				attemptThread = ""
				b.clearThreadForRetry(chatID)
				progress.SetPhase("Execution failed. Retrying once with a new session.", true)
				continue
			}
			progress.MarkFailure("Execution failed before completion.")
			if allowRetry {
				b.sendText(chatID, retryFailedMessage, messageID)
			} else {
				b.sendText(chatID, genericErrorMessage, messageID)
			}
			rec.Status = history.StatusError
			rec.Detail = err.Error()
			return executor.Result{}, false
		}

		if result.ExitCode == 0 {
			return result, true
		}

		retryAsNew := false
		if attemptThread != "" && executor.ShouldResetThread(result.Stderr, result.Stdout) {
			log.Printf("bridge: resume failed for chat_id=%d on a vanished thread; retrying as new", chatID)
			retryAsNew = true
			progress.SetPhase("Retrying as a new Architect session.", true)
		} else if allowRetry && !retried {
			log.Printf("bridge: executor exit_code=%d for chat_id=%d; retrying once as new", result.ExitCode, chatID)
			retryAsNew = true
			progress.SetPhase("Execution failed. Retrying once with a new session.", true)
		}
		if retryAsNew {
			retried = true
			attemptThread = ""
			b.clearThreadForRetry(chatID)
			continue
		}

		log.Printf("bridge: executor failed for chat_id=%d exit_code=%d stderr=%q",
			chatID, result.ExitCode, tail(result.Stderr, 1000))
		progress.MarkFailure("Execution failed.")
		if allowRetry {
			b.sendText(chatID, retryFailedMessage, messageID)
		} else {
			b.sendText(chatID, genericErrorMessage, messageID)
		}
		rec.Status = history.StatusError
		rec.ExitCode = result.ExitCode
		rec.Detail = tail(result.Stderr, 1000)
		return executor.Result{}, false
	}
}

func (b *Bridge) clearThreadForRetry(chatID int64) {
	if _, err := b.state.ClearThreadID(chatID); err != nil {
		log.Printf("bridge: failed to persist thread reset for chat_id=%d: %v", chatID, err)
	}
}

// downloadMedia stages one media file into a temp path, translating
// download failures into chat replies. Size rejections forward the cap in
// the message; transport failures get the generic per-kind text.
func (b *Bridge) downloadMedia(progress progressReporter, chatID int64, messageID int, fileID string, maxBytes int, label, suffix, downloadErrMsg string, rec *history.Record) (string, bool) {
	path, err := b.client.DownloadFile(fileID, maxBytes, label, suffix)
	if err == nil {
		return path, true
	}

	var tooLarge *telegram.TooLargeError
	if errors.As(err, &tooLarge) {
		log.Printf("bridge: %s rejected for chat_id=%d: %v", label, chatID, err)
		progress.MarkFailure(capitalize(label) + " request rejected.")
		b.sendText(chatID, tooLarge.Error(), messageID)
		rec.Status = history.StatusRejected
		rec.Detail = tooLarge.Error()
		return "", false
	}

	log.Printf("bridge: %s download failed for chat_id=%d: %v", label, chatID, err)
	progress.MarkFailure(capitalize(label) + " download failed.")
	b.sendText(chatID, downloadErrMsg, messageID)
	rec.Status = history.StatusError
	rec.Detail = err.Error()
	return "", false
}

// transcribeForChat downloads and transcribes a voice message, echoing the
// transcript back to the chat. Failures are reported to the chat here; the
// caller only marks the progress line.
func (b *Bridge) transcribeForChat(chatID int64, messageID int, voiceFileID string, rec *history.Record) (string, bool) {
	if !b.cfg.VoiceEnabled() {
		b.sendText(chatID, voiceNotConfigured, messageID)
		rec.Status = history.StatusRejected
		rec.Detail = "voice transcription not configured"
		return "", false
	}

	voicePath, err := b.client.DownloadFile(voiceFileID, b.cfg.MaxVoiceBytes, "voice file", ".ogg")
	if err != nil {
		var tooLarge *telegram.TooLargeError
		if errors.As(err, &tooLarge) {
			log.Printf("bridge: voice rejected for chat_id=%d: %v", chatID, err)
			b.sendText(chatID, tooLarge.Error(), messageID)
			rec.Status = history.StatusRejected
			rec.Detail = tooLarge.Error()
			return "", false
		}
		log.Printf("bridge: voice download failed for chat_id=%d: %v", chatID, err)
		b.sendText(chatID, voiceDownloadError, messageID)
		rec.Status = history.StatusError
		rec.Detail = err.Error()
		return "", false
	}
	defer removeTemp(voicePath)

	transcript, err := b.transcribe(context.Background(), b.cfg.VoiceTranscribeCmd, b.cfg.VoiceTranscribeTimeout, voicePath)
	if err != nil {
		rec.Status = history.StatusError
		rec.Detail = err.Error()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			log.Printf("bridge: voice transcription timeout for chat_id=%d", chatID)
			b.sendText(chatID, timeoutMessage, messageID)
			rec.Status = history.StatusTimeout
		case errors.Is(err, telegram.ErrEmptyTranscript):
			log.Printf("bridge: voice transcription was empty for chat_id=%d", chatID)
			b.sendText(chatID, voiceTranscribeEmpty, messageID)
			rec.Status = history.StatusRejected
		default:
			log.Printf("bridge: voice transcription failed for chat_id=%d: %v", chatID, err)
			b.sendText(chatID, voiceTranscribeError, messageID)
		}
		return "", false
	}

	b.sendText(chatID, "Voice transcript:\n"+transcript, messageID)
	return transcript, true
}

// finalizeChatWork releases the chat's markers and, once the busy set is
// empty, hands out any queued safe restart.
func (b *Bridge) finalizeChatWork(chatID int64) {
	if err := b.state.ClearInFlight(chatID); err != nil {
		log.Printf("bridge: failed to clear in-flight marker for chat_id=%d: %v", chatID, err)
	}
	b.state.ClearBusy(chatID)

	restartChat, replyTo, ok := b.state.PopReadyRestart()
	if !ok {
		return
	}
	b.sendText(restartChat, "Current request completed. Restarting bridge now.", replyTo)
	b.triggerRestartAsync(restartChat, replyTo)
}

func (b *Bridge) recordRequest(rec *history.Record, start time.Time) {
	if b.hist == nil {
		return
	}
	rec.Duration = b.now().Sub(start).Milliseconds()
	if err := b.hist.Add(rec); err != nil {
		log.Printf("bridge: failed to record request for chat_id=%d: %v", rec.ChatID, err)
	}
}

func removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("bridge: failed to remove temp file %s: %v", path, err)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
