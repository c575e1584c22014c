// Package config provides configuration management for the Architect
// Telegram bridge. Everything is read from environment variables with
// defaults matching a single-host deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// telegramMessageLimit is Telegram's hard cap on message length.
const telegramMessageLimit = 4096

// Config holds all configuration for the bridge.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// AllowedChatIDs is the chat allowlist; messages from any other chat
	// are denied.
	AllowedChatIDs map[int64]struct{}

	// StateDir is the directory for durable session state.
	StateDir string

	// DatabasePath is the full path to the SQLite request history DB.
	DatabasePath string

	// HTTPAddr is the address the status HTTP server listens on.
	HTTPAddr string

	// PollTimeout is the long-polling timeout for Telegram updates.
	PollTimeout time.Duration

	// ExecTimeout is the wall-clock budget for one executor run.
	ExecTimeout time.Duration

	// MaxInputChars caps the prompt length accepted from chat.
	MaxInputChars int

	// MaxOutputChars caps the reply length before chunking; longer
	// replies are trimmed with a truncation notice.
	MaxOutputChars int

	// Media download caps, in bytes.
	MaxImageBytes    int
	MaxVoiceBytes    int
	MaxDocumentBytes int

	// RateLimitPerMinute is the per-chat sliding-window request budget.
	RateLimitPerMinute int

	// ExecutorCmd is the Architect CLI invocation.
	ExecutorCmd []string

	// VoiceTranscribeCmd converts a downloaded voice file to text. Empty
	// means voice messages are rejected with a setup hint.
	VoiceTranscribeCmd     []string
	VoiceTranscribeTimeout time.Duration

	// RestartScript runs on /restart once no chat is busy.
	RestartScript  string
	RestartTimeout time.Duration

	// Persistent worker pool.
	WorkersEnabled     bool
	WorkersMax         int
	WorkersIdleTimeout time.Duration
	PolicyFiles        []string
}

// Load creates a Config from environment variables.
func Load() (*Config, error) {
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	allowed, err := parseAllowedChatIDs(os.Getenv("TELEGRAM_ALLOWED_CHAT_IDS"))
	if err != nil {
		return nil, err
	}

	stateDir := strings.TrimSpace(envOr("TELEGRAM_BRIDGE_STATE_DIR", defaultStateDir()))
	if stateDir == "" {
		return nil, fmt.Errorf("TELEGRAM_BRIDGE_STATE_DIR cannot be empty")
	}

	executorCmd, err := parseCmdEnv("TELEGRAM_EXECUTOR_CMD")
	if err != nil {
		return nil, err
	}
	if len(executorCmd) == 0 {
		return nil, fmt.Errorf("TELEGRAM_EXECUTOR_CMD is required")
	}
	voiceCmd, err := parseCmdEnv("TELEGRAM_VOICE_TRANSCRIBE_CMD")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Token:              token,
		AllowedChatIDs:     allowed,
		StateDir:           stateDir,
		DatabasePath:       filepath.Join(stateDir, "archbridge.db"),
		HTTPAddr:           envOr("TELEGRAM_BRIDGE_HTTP_ADDR", ":7081"),
		MaxInputChars:      telegramMessageLimit,
		MaxOutputChars:     20000,
		MaxImageBytes:      10 * 1024 * 1024,
		MaxVoiceBytes:      20 * 1024 * 1024,
		MaxDocumentBytes:   50 * 1024 * 1024,
		RateLimitPerMinute: 12,
		ExecutorCmd:        executorCmd,
		VoiceTranscribeCmd: voiceCmd,
		RestartScript:      strings.TrimSpace(os.Getenv("TELEGRAM_RESTART_SCRIPT")),
	}

	ints := []struct {
		env     string
		dst     *int
		minimum int
	}{
		{"TELEGRAM_MAX_INPUT_CHARS", &cfg.MaxInputChars, 1},
		{"TELEGRAM_MAX_OUTPUT_CHARS", &cfg.MaxOutputChars, 1},
		{"TELEGRAM_MAX_IMAGE_BYTES", &cfg.MaxImageBytes, 1024},
		{"TELEGRAM_MAX_VOICE_BYTES", &cfg.MaxVoiceBytes, 1024},
		{"TELEGRAM_MAX_DOCUMENT_BYTES", &cfg.MaxDocumentBytes, 1024},
		{"TELEGRAM_RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute, 1},
	}
	for _, spec := range ints {
		if *spec.dst, err = envOrInt(spec.env, *spec.dst, spec.minimum); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		env     string
		dst     *time.Duration
		def     time.Duration
		minimum time.Duration
	}{
		{"TELEGRAM_POLL_TIMEOUT_SECONDS", &cfg.PollTimeout, 30 * time.Second, time.Second},
		{"TELEGRAM_EXEC_TIMEOUT_SECONDS", &cfg.ExecTimeout, 36000 * time.Second, time.Second},
		{"TELEGRAM_VOICE_TRANSCRIBE_TIMEOUT_SECONDS", &cfg.VoiceTranscribeTimeout, 120 * time.Second, time.Second},
		{"TELEGRAM_RESTART_TIMEOUT_SECONDS", &cfg.RestartTimeout, 90 * time.Second, time.Second},
		{"TELEGRAM_PERSISTENT_WORKERS_IDLE_TIMEOUT_SECONDS", &cfg.WorkersIdleTimeout, 45 * time.Minute, time.Minute},
	}
	for _, spec := range durations {
		if *spec.dst, err = envOrSeconds(spec.env, spec.def, spec.minimum); err != nil {
			return nil, err
		}
	}

	if cfg.WorkersEnabled, err = envOrBool("TELEGRAM_PERSISTENT_WORKERS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.WorkersMax, err = envOrInt("TELEGRAM_PERSISTENT_WORKERS_MAX", 4, 1); err != nil {
		return nil, err
	}
	cfg.PolicyFiles = parsePolicyFiles(os.Getenv("TELEGRAM_POLICY_FILES"))

	return cfg, nil
}

// ChatAllowed reports whether the chat is on the allowlist.
func (c *Config) ChatAllowed(chatID int64) bool {
	_, ok := c.AllowedChatIDs[chatID]
	return ok
}

// AllowedChatIDList returns the allowlist in ascending order.
func (c *Config) AllowedChatIDList() []int64 {
	ids := make([]int64, 0, len(c.AllowedChatIDs))
	for id := range c.AllowedChatIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// VoiceEnabled reports whether voice transcription is configured.
func (c *Config) VoiceEnabled() bool {
	return len(c.VoiceTranscribeCmd) > 0
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "state", "archbridge")
}

func parseAllowedChatIDs(raw string) (map[int64]struct{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("TELEGRAM_ALLOWED_CHAT_IDS is required")
	}
	out := make(map[int64]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_CHAT_IDS value %q", part)
		}
		out[id] = struct{}{}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("TELEGRAM_ALLOWED_CHAT_IDS is empty")
	}
	return out, nil
}

func parsePolicyFiles(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseCmdEnv(name string) ([]string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	cmd, err := splitCommand(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%s cannot be blank", name)
	}
	return cmd, nil
}

// splitCommand tokenizes a command line with shell-style single and
// double quoting.
func splitCommand(raw string) ([]string, error) {
	var out []string
	var current strings.Builder
	inWord := false
	var quote rune

	for _, r := range raw {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				out = append(out, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unbalanced quote in %q", raw)
	}
	if inWord {
		out = append(out, current.String())
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback, minimum int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	if n < minimum {
		return 0, fmt.Errorf("%s must be >= %d", key, minimum)
	}
	return n, nil
}

func envOrSeconds(key string, fallback, minimum time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer number of seconds", key)
	}
	d := time.Duration(n) * time.Second
	if d < minimum {
		return 0, fmt.Errorf("%s must be >= %s", key, minimum)
	}
	return d, nil
}

func envOrBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s must be a boolean value", key)
}
