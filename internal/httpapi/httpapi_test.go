package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jxucoder/archbridge/internal/history"
	"github.com/jxucoder/archbridge/internal/session"
)

func testHandler(t *testing.T) (*Handler, *session.State, *history.Store) {
	t.Helper()
	state := session.NewState(session.DefaultPaths(t.TempDir()))
	hist, err := history.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new history store: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	return New(state, hist), state, hist
}

func get(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _ := testHandler(t)

	w := get(t, h, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	h, state, hist := testHandler(t)

	if err := state.SetThreadID(1, "thread-1"); err != nil {
		t.Fatalf("set thread: %v", err)
	}
	state.MarkBusy(1)
	if err := hist.Add(&history.Record{ChatID: 1, Kind: history.KindText, Status: history.StatusOK}); err != nil {
		t.Fatalf("add history: %v", err)
	}

	w := get(t, h, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		BusyChats     int            `json:"busy_chats"`
		Sessions      int            `json:"sessions"`
		RequestCounts map[string]int `json:"request_counts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.BusyChats != 1 || resp.Sessions != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.RequestCounts["ok"] != 1 {
		t.Fatalf("request counts = %v", resp.RequestCounts)
	}
}

func TestChatStatusEndpoint(t *testing.T) {
	h, state, _ := testHandler(t)

	if err := state.SetThreadID(42, "thread-42"); err != nil {
		t.Fatalf("set thread: %v", err)
	}

	w := get(t, h, "/api/chats/42")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status struct {
		HasThread bool `json:"has_thread"`
	}
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !status.HasThread {
		t.Fatalf("status = %+v", status)
	}

	if w := get(t, h, "/api/chats/999"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown chat: expected 404, got %d", w.Code)
	}
	if w := get(t, h, "/api/chats/abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad chat id: expected 400, got %d", w.Code)
	}
}

func TestRequestsEndpoint(t *testing.T) {
	h, _, hist := testHandler(t)

	for _, chatID := range []int64{1, 2} {
		if err := hist.Add(&history.Record{ChatID: chatID, Kind: history.KindText, Status: history.StatusOK}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	w := get(t, h, "/api/requests")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var records []*history.Record
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	w = get(t, h, "/api/requests?chat_id=1")
	records = nil
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(records) != 1 || records[0].ChatID != 1 {
		t.Fatalf("filtered records = %+v", records)
	}

	if w := get(t, h, "/api/requests?limit=0"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestRequestsEndpointWithoutHistory(t *testing.T) {
	state := session.NewState(session.DefaultPaths(t.TempDir()))
	h := New(state, nil)

	if w := get(t, h, "/api/requests"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without history store, got %d", w.Code)
	}
}
