package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DocumentPayload identifies an attached file.
type DocumentPayload struct {
	FileID   string
	FileName string
	MimeType string
}

// Media is the attachment extracted from one message. At most one field
// is set.
type Media struct {
	PhotoFileID string
	VoiceFileID string
	Document    *DocumentPayload
}

// ExtractPromptAndMedia pulls the prompt text and any attachment out of
// a message. ok is false for messages with nothing to route (stickers,
// location pins, membership updates).
func ExtractPromptAndMedia(msg *tgbotapi.Message) (prompt string, media Media, ok bool) {
	if msg.Text != "" {
		return msg.Text, Media{}, true
	}

	if len(msg.Photo) > 0 {
		fileID := pickLargestPhoto(msg.Photo)
		if fileID == "" {
			return "", Media{}, false
		}
		prompt = strings.TrimSpace(msg.Caption)
		if prompt == "" {
			prompt = "Please analyze this image."
		}
		return prompt, Media{PhotoFileID: fileID}, true
	}

	if msg.Voice != nil && strings.TrimSpace(msg.Voice.FileID) != "" {
		return msg.Caption, Media{VoiceFileID: strings.TrimSpace(msg.Voice.FileID)}, true
	}

	if msg.Document != nil && strings.TrimSpace(msg.Document.FileID) != "" {
		doc := &DocumentPayload{
			FileID:   strings.TrimSpace(msg.Document.FileID),
			FileName: strings.TrimSpace(msg.Document.FileName),
			MimeType: strings.TrimSpace(msg.Document.MimeType),
		}
		if doc.FileName == "" {
			doc.FileName = "unnamed"
		}
		if doc.MimeType == "" {
			doc.MimeType = "unknown"
		}
		prompt = strings.TrimSpace(msg.Caption)
		if prompt == "" {
			prompt = "Please analyze this file."
		}
		return prompt, Media{Document: doc}, true
	}

	return "", Media{}, false
}

// pickLargestPhoto returns the file id of the biggest photo rendition.
func pickLargestPhoto(photos []tgbotapi.PhotoSize) string {
	bestID := ""
	bestSize := -1
	for _, photo := range photos {
		fileID := strings.TrimSpace(photo.FileID)
		if fileID == "" {
			continue
		}
		if photo.FileSize >= bestSize {
			bestSize = photo.FileSize
			bestID = fileID
		}
	}
	return bestID
}

// DocumentContext builds the prompt block telling Architect where a
// downloaded attachment lives.
func DocumentContext(localPath string, doc *DocumentPayload, sizeBytes int64) string {
	return fmt.Sprintf(
		"Attached file context:\n"+
			"- Local path: %s\n"+
			"- Original filename: %s\n"+
			"- MIME type: %s\n"+
			"- Size bytes: %d\n\n"+
			"Read and analyze the file from the local path.",
		localPath, doc.FileName, doc.MimeType, sizeBytes,
	)
}

// ErrEmptyTranscript reports a transcription run that produced no text.
var ErrEmptyTranscript = errors.New("voice transcription output was empty")

// buildTranscribeCommand substitutes the {file} placeholder into the
// command template, appending the path when no placeholder is present.
func buildTranscribeCommand(template []string, voicePath string) []string {
	cmd := make([]string, 0, len(template)+1)
	usedPlaceholder := false
	for _, arg := range template {
		if strings.Contains(arg, "{file}") {
			cmd = append(cmd, strings.ReplaceAll(arg, "{file}", voicePath))
			usedPlaceholder = true
		} else {
			cmd = append(cmd, arg)
		}
	}
	if !usedPlaceholder {
		cmd = append(cmd, voicePath)
	}
	return cmd
}

// TranscribeVoice runs the configured transcription command against a
// downloaded voice file and returns the transcript.
func TranscribeVoice(ctx context.Context, template []string, timeout time.Duration, voicePath string) (string, error) {
	if len(template) == 0 {
		return "", errors.New("voice transcription is not configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := buildTranscribeCommand(template, voicePath)
	log.Printf("telegram: running voice transcription: %s", strings.Join(args, " "))

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("voice transcription timed out: %w", runCtx.Err())
		}
		tail := stderr.String()
		if len(tail) > 1000 {
			tail = tail[len(tail)-1000:]
		}
		return "", fmt.Errorf("voice transcription failed: %w (stderr: %s)", err, tail)
	}

	transcript := strings.TrimSpace(stdout.String())
	if transcript == "" {
		return "", ErrEmptyTranscript
	}
	return transcript, nil
}
