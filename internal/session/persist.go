package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// canonicalEntry is the chat_sessions.json entry shape. Unset timestamps
// serialize as null so the file stays readable by the original consumers.
type canonicalEntry struct {
	ThreadID                string   `json:"thread_id"`
	WorkerCreatedAt         *float64 `json:"worker_created_at"`
	WorkerLastUsedAt        *float64 `json:"worker_last_used_at"`
	WorkerPolicyFingerprint string   `json:"worker_policy_fingerprint"`
	InFlightStartedAt       *float64 `json:"in_flight_started_at"`
	InFlightMessageID       *int     `json:"in_flight_message_id"`
}

func optFloat(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	f := unixFloat(t)
	return &f
}

func optInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it over the destination, so readers never observe a partial file.
// The temp name is unique per writer: flushes run outside the state lock,
// and concurrent writers sharing one temp path could rename a torn file
// into place.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("setting mode on %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// flush holds serialized state captured under the lock, written after the
// lock is released. Per-file renames are atomic; the four files together
// are not transactional, and the last concurrent writer wins.
type flush struct {
	canonical []byte
	threads   []byte
	workers   []byte
	inflight  []byte
}

func (s *State) snapshotLocked() (flush, error) {
	canonical := make(map[string]canonicalEntry, len(s.sessions))
	for id, sess := range s.sessions {
		canonical[strconv.FormatInt(id, 10)] = canonicalEntry{
			ThreadID:                sess.ThreadID,
			WorkerCreatedAt:         optFloat(sess.WorkerCreatedAt),
			WorkerLastUsedAt:        optFloat(sess.WorkerLastUsedAt),
			WorkerPolicyFingerprint: sess.WorkerPolicyFingerprint,
			InFlightStartedAt:       optFloat(sess.InFlightStartedAt),
			InFlightMessageID:       optInt(sess.InFlightMessageID),
		}
	}

	legacy := s.toLegacyLocked()
	threads := make(map[string]string, len(legacy.ChatThreads))
	for id, threadID := range legacy.ChatThreads {
		threads[strconv.FormatInt(id, 10)] = threadID
	}
	workers := make(map[string]LegacyWorkerSession, len(legacy.WorkerSessions))
	for id, worker := range legacy.WorkerSessions {
		workers[strconv.FormatInt(id, 10)] = worker
	}
	inflight := make(map[string]LegacyInFlight, len(legacy.InFlight))
	for id, entry := range legacy.InFlight {
		inflight[strconv.FormatInt(id, 10)] = entry
	}

	var out flush
	var err error
	if out.canonical, err = json.MarshalIndent(canonical, "", "  "); err != nil {
		return flush{}, fmt.Errorf("serializing canonical sessions: %w", err)
	}
	if out.threads, err = json.MarshalIndent(threads, "", "  "); err != nil {
		return flush{}, fmt.Errorf("serializing chat threads: %w", err)
	}
	if out.workers, err = json.MarshalIndent(workers, "", "  "); err != nil {
		return flush{}, fmt.Errorf("serializing worker sessions: %w", err)
	}
	if out.inflight, err = json.MarshalIndent(inflight, "", "  "); err != nil {
		return flush{}, fmt.Errorf("serializing in-flight requests: %w", err)
	}
	return out, nil
}

// writeFlush persists the canonical file first, then the legacy mirrors.
// All writes are attempted even if an earlier one fails; failures are
// reported to the caller, never swallowed.
func (s *State) writeFlush(f flush) error {
	var errs []error
	if s.paths.Canonical != "" {
		errs = append(errs, s.writeFile(s.paths.Canonical, append(f.canonical, '\n')))
	}
	if s.paths.Threads != "" {
		errs = append(errs, s.writeFile(s.paths.Threads, append(f.threads, '\n')))
	}
	if s.paths.Workers != "" {
		errs = append(errs, s.writeFile(s.paths.Workers, append(f.workers, '\n')))
	}
	if s.paths.InFlight != "" {
		errs = append(errs, s.writeFile(s.paths.InFlight, append(f.inflight, '\n')))
	}
	return errors.Join(errs...)
}

// Persist flushes the full state to disk. Mutators call it after every
// change; Load calls it once so a migrated legacy layout is rewritten in
// canonical form.
func (s *State) Persist() error {
	s.mu.Lock()
	f, err := s.snapshotLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.writeFlush(f)
}

// quarantineCorruptFile renames an unparseable state file aside with a UTC
// timestamp suffix so the store can boot from empty instead of refusing to
// start. Returns the new name, or "" if the file did not exist.
func quarantineCorruptFile(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	stamp := time.Now().UTC().Format("20060102150405")
	quarantined := fmt.Sprintf("%s.corrupt.%s", path, stamp)
	if err := os.Rename(path, quarantined); err != nil {
		return "", fmt.Errorf("quarantining %s: %w", path, err)
	}
	return quarantined, nil
}

func readJSONObject(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return raw, nil
}

// loadOrQuarantine reads a JSON-object state file, quarantining it and
// returning an empty map if it does not parse.
func loadOrQuarantine(path string) map[string]json.RawMessage {
	raw, err := readJSONObject(path)
	if err == nil {
		return raw
	}
	log.Printf("session: failed to load %s, starting empty: %v", path, err)
	if moved, qerr := quarantineCorruptFile(path); qerr != nil {
		log.Printf("session: failed to quarantine %s: %v", path, qerr)
	} else if moved != "" {
		log.Printf("session: quarantined corrupt state file to %s", moved)
	}
	return nil
}

func parseChatID(key string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func loadCanonical(path string) map[int64]*Session {
	out := make(map[int64]*Session)
	for key, value := range loadOrQuarantine(path) {
		id, ok := parseChatID(key)
		if !ok {
			continue
		}
		var entry canonicalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			continue
		}
		sess := &Session{
			ThreadID:                strings.TrimSpace(entry.ThreadID),
			WorkerPolicyFingerprint: strings.TrimSpace(entry.WorkerPolicyFingerprint),
		}
		if entry.WorkerCreatedAt != nil {
			sess.WorkerCreatedAt = timeFromUnixFloat(*entry.WorkerCreatedAt)
		}
		if entry.WorkerLastUsedAt != nil {
			sess.WorkerLastUsedAt = timeFromUnixFloat(*entry.WorkerLastUsedAt)
		}
		if entry.InFlightStartedAt != nil {
			sess.InFlightStartedAt = timeFromUnixFloat(*entry.InFlightStartedAt)
		}
		if entry.InFlightMessageID != nil {
			sess.InFlightMessageID = *entry.InFlightMessageID
		}
		if !sess.empty() {
			out[id] = sess
		}
	}
	return out
}

func loadLegacy(paths Paths) LegacyState {
	legacy := LegacyState{
		ChatThreads:    make(map[int64]string),
		WorkerSessions: make(map[int64]LegacyWorkerSession),
		InFlight:       make(map[int64]LegacyInFlight),
	}

	for key, value := range loadOrQuarantine(paths.Threads) {
		id, ok := parseChatID(key)
		if !ok {
			continue
		}
		var threadID string
		if err := json.Unmarshal(value, &threadID); err != nil {
			continue
		}
		threadID = strings.TrimSpace(threadID)
		if threadID != "" {
			legacy.ChatThreads[id] = threadID
		}
	}

	for key, value := range loadOrQuarantine(paths.Workers) {
		id, ok := parseChatID(key)
		if !ok {
			continue
		}
		var worker LegacyWorkerSession
		if err := json.Unmarshal(value, &worker); err != nil {
			continue
		}
		if worker.CreatedAt == 0 {
			continue
		}
		if worker.LastUsedAt == 0 {
			worker.LastUsedAt = worker.CreatedAt
		}
		worker.ThreadID = strings.TrimSpace(worker.ThreadID)
		worker.PolicyFingerprint = strings.TrimSpace(worker.PolicyFingerprint)
		legacy.WorkerSessions[id] = worker
	}

	for key, value := range loadOrQuarantine(paths.InFlight) {
		id, ok := parseChatID(key)
		if !ok {
			continue
		}
		var entry LegacyInFlight
		if err := json.Unmarshal(value, &entry); err != nil {
			continue
		}
		legacy.InFlight[id] = entry
	}

	return legacy
}

// Load builds a State from the persisted files. The canonical file wins
// when present; otherwise the legacy triple is read once and migrated.
// Corrupt files are quarantined and treated as absent.
func Load(paths Paths) *State {
	state := NewState(paths)

	sessions := loadCanonical(paths.Canonical)
	if len(sessions) == 0 {
		for id, sess := range FromLegacy(loadLegacy(paths)) {
			copied := sess
			sessions[id] = &copied
		}
	}
	state.sessions = sessions
	return state
}

// SeedWorkersFromThreads backfills worker allocations for chats that have
// a saved thread but no worker record. It only fires when no chat has a
// worker at all, which is the shape left behind by versions that predate
// persistent workers.
func (s *State) SeedWorkersFromThreads(fingerprint string, now time.Time) error {
	s.mu.Lock()
	if s.workerCountLocked() > 0 {
		s.mu.Unlock()
		return nil
	}
	seeded := false
	for _, sess := range s.sessions {
		if sess.ThreadID == "" || sess.hasWorker() {
			continue
		}
		sess.WorkerCreatedAt = now
		sess.WorkerLastUsedAt = now
		sess.WorkerPolicyFingerprint = fingerprint
		seeded = true
	}
	var f flush
	var err error
	if seeded {
		f, err = s.snapshotLocked()
	}
	s.mu.Unlock()
	if !seeded || err != nil {
		return err
	}
	return s.writeFlush(f)
}

// EnsureStateDir creates the state directory if needed.
func EnsureStateDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return nil
}
