// Package telegram wraps the Bot API transport for the Architect bridge:
// sending chunked replies, editing progress messages, and downloading
// chat media into temp files.
package telegram

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// Client is the transport surface the bridge talks through. It is an
// interface so orchestration code can run against a recorder in tests.
type Client interface {
	// SendText delivers text to the chat, chunking it when it exceeds
	// the Telegram message limit. replyTo of 0 sends without a reply.
	SendText(chatID int64, text string, replyTo int) error
	// SendTextGetID sends a single message and returns its message id,
	// for later edits.
	SendTextGetID(chatID int64, text string, replyTo int) (int, error)
	// EditText replaces a previously sent message's text.
	EditText(chatID int64, messageID int, text string) error
	// SendTyping shows the "typing..." indicator.
	SendTyping(chatID int64) error
	// DownloadFile fetches a Telegram file into a temp file, enforcing
	// maxBytes, and returns the local path.
	DownloadFile(fileID string, maxBytes int, label, suffix string) (string, error)
}

// BotClient implements Client on top of the Bot API.
type BotClient struct {
	api  *tgbotapi.BotAPI
	http *http.Client
}

// NewBotClient authorizes against the Bot API.
func NewBotClient(token string) (*BotClient, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	log.Printf("telegram: authorized as @%s", api.Self.UserName)
	return &BotClient{
		api:  api,
		http: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// API exposes the underlying Bot API for the polling loop.
func (c *BotClient) API() *tgbotapi.BotAPI {
	return c.api
}

func (c *BotClient) SendText(chatID int64, text string, replyTo int) error {
	for _, chunk := range Chunks(text) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if replyTo != 0 {
			msg.ReplyToMessageID = replyTo
		}
		if _, err := c.api.Send(msg); err != nil {
			return fmt.Errorf("sending message to chat %d: %w", chatID, err)
		}
		// Only the first chunk replies to the original message.
		replyTo = 0
	}
	return nil
}

func (c *BotClient) SendTextGetID(chatID int64, text string, replyTo int) (int, error) {
	msg := tgbotapi.NewMessage(chatID, TrimOutput(text, MessageLimit))
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}
	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("sending message to chat %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

func (c *BotClient) EditText(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, TrimOutput(text, MessageLimit))
	if _, err := c.api.Send(edit); err != nil {
		return fmt.Errorf("editing message %d in chat %d: %w", messageID, chatID, err)
	}
	return nil
}

func (c *BotClient) SendTyping(chatID int64) error {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := c.api.Request(action); err != nil {
		return fmt.Errorf("sending typing action to chat %d: %w", chatID, err)
	}
	return nil
}

// DownloadFile resolves the file id, checks the declared size against
// maxBytes, and streams the content to a temp file. The caller removes
// the file when done.
func (c *BotClient) DownloadFile(fileID string, maxBytes int, label, suffix string) (string, error) {
	file, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("resolving %s file: %w", label, err)
	}
	if file.FileSize > 0 && file.FileSize > maxBytes {
		return "", &TooLargeError{Label: label, Size: int64(file.FileSize), Max: maxBytes}
	}
	if ext := filepath.Ext(file.FilePath); ext != "" {
		suffix = ext
	}

	tmpPath := filepath.Join(os.TempDir(), "archbridge-"+uuid.NewString()+suffix)
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	if err := c.fetchTo(out, file.Link(c.api.Token), maxBytes, label); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmpPath, nil
}

func (c *BotClient) fetchTo(out io.Writer, url string, maxBytes int, label string) error {
	resp, err := c.http.Get(url)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", label, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", label, resp.Status)
	}

	n, err := io.Copy(out, io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return fmt.Errorf("downloading %s: %w", label, err)
	}
	if n > int64(maxBytes) {
		return &TooLargeError{Label: label, Size: n, Max: maxBytes}
	}
	return nil
}

// TooLargeError reports a media file exceeding its configured cap. Its
// message is safe to forward to the chat.
type TooLargeError struct {
	Label string
	Size  int64
	Max   int
}

func (e *TooLargeError) Error() string {
	label := e.Label
	if label == "" {
		label = "file"
	}
	return fmt.Sprintf("%s too large (%d bytes). Max is %d bytes.", strings.ToUpper(label[:1])+label[1:], e.Size, e.Max)
}
