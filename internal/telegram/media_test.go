package telegram

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestExtractPromptAndMediaText(t *testing.T) {
	prompt, media, ok := ExtractPromptAndMedia(&tgbotapi.Message{Text: "hello"})
	if !ok || prompt != "hello" {
		t.Fatalf("got (%q, %v)", prompt, ok)
	}
	if media.PhotoFileID != "" || media.VoiceFileID != "" || media.Document != nil {
		t.Fatalf("unexpected media %+v", media)
	}
}

func TestExtractPromptAndMediaPhoto(t *testing.T) {
	msg := &tgbotapi.Message{
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileSize: 100},
			{FileID: "large", FileSize: 5000},
			{FileID: "medium", FileSize: 1000},
		},
	}
	prompt, media, ok := ExtractPromptAndMedia(msg)
	if !ok || media.PhotoFileID != "large" {
		t.Fatalf("got (%q, %+v, %v)", prompt, media, ok)
	}
	if prompt != "Please analyze this image." {
		t.Fatalf("default photo prompt = %q", prompt)
	}

	msg.Caption = "what is this chart"
	prompt, _, _ = ExtractPromptAndMedia(msg)
	if prompt != "what is this chart" {
		t.Fatalf("caption prompt = %q", prompt)
	}
}

func TestExtractPromptAndMediaVoice(t *testing.T) {
	msg := &tgbotapi.Message{Voice: &tgbotapi.Voice{FileID: " v-1 "}}
	prompt, media, ok := ExtractPromptAndMedia(msg)
	if !ok || media.VoiceFileID != "v-1" {
		t.Fatalf("got (%q, %+v, %v)", prompt, media, ok)
	}
	if prompt != "" {
		t.Fatalf("voice prompt = %q, want empty until transcribed", prompt)
	}
}

func TestExtractPromptAndMediaDocument(t *testing.T) {
	msg := &tgbotapi.Message{Document: &tgbotapi.Document{FileID: "d-1"}}
	prompt, media, ok := ExtractPromptAndMedia(msg)
	if !ok || media.Document == nil {
		t.Fatalf("got (%q, %+v, %v)", prompt, media, ok)
	}
	if media.Document.FileName != "unnamed" || media.Document.MimeType != "unknown" {
		t.Fatalf("document defaults = %+v", media.Document)
	}
	if prompt != "Please analyze this file." {
		t.Fatalf("default document prompt = %q", prompt)
	}
}

func TestExtractPromptAndMediaNothingRoutable(t *testing.T) {
	if _, _, ok := ExtractPromptAndMedia(&tgbotapi.Message{}); ok {
		t.Fatal("empty message reported as routable")
	}
}

func TestDocumentContext(t *testing.T) {
	doc := &DocumentPayload{FileID: "d", FileName: "report.pdf", MimeType: "application/pdf"}
	ctx := DocumentContext("/tmp/x.pdf", doc, 12345)
	for _, want := range []string{"/tmp/x.pdf", "report.pdf", "application/pdf", "12345"} {
		if !strings.Contains(ctx, want) {
			t.Fatalf("context missing %q: %s", want, ctx)
		}
	}
}

func TestBuildTranscribeCommand(t *testing.T) {
	got := buildTranscribeCommand([]string{"whisper", "--input", "{file}"}, "/tmp/v.ogg")
	if !reflect.DeepEqual(got, []string{"whisper", "--input", "/tmp/v.ogg"}) {
		t.Fatalf("got %v", got)
	}

	got = buildTranscribeCommand([]string{"whisper"}, "/tmp/v.ogg")
	if !reflect.DeepEqual(got, []string{"whisper", "/tmp/v.ogg"}) {
		t.Fatalf("appended form = %v", got)
	}
}

func TestTranscribeVoice(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses /bin/sh")
	}
	cmd := []string{"/bin/sh", "-c", `echo "  hello from voice  "`}
	transcript, err := TranscribeVoice(context.Background(), cmd, 10*time.Second, "/tmp/unused.ogg")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if transcript != "hello from voice" {
		t.Fatalf("transcript = %q", transcript)
	}
}

func TestTranscribeVoiceEmptyOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses /bin/sh")
	}
	cmd := []string{"/bin/sh", "-c", "true"}
	_, err := TranscribeVoice(context.Background(), cmd, 10*time.Second, "/tmp/unused.ogg")
	if !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("err = %v, want ErrEmptyTranscript", err)
	}
}

func TestTranscribeVoiceFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses /bin/sh")
	}
	cmd := []string{"/bin/sh", "-c", "echo bad >&2; exit 1"}
	_, err := TranscribeVoice(context.Background(), cmd, 10*time.Second, "/tmp/unused.ogg")
	if err == nil {
		t.Fatal("expected failure")
	}
}

func TestTooLargeErrorMessage(t *testing.T) {
	err := &TooLargeError{Label: "image", Size: 999, Max: 100}
	msg := err.Error()
	if !strings.Contains(msg, "Image too large (999 bytes)") || !strings.Contains(msg, "Max is 100 bytes") {
		t.Fatalf("message = %q", msg)
	}
}
