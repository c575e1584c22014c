package streambuf

import (
	"strings"
	"testing"
)

func TestRenderWithoutTruncationIsVerbatim(t *testing.T) {
	buf := New(64, 12, "\n...[truncated]...\n")
	buf.Append("hello ")
	buf.Append("world")

	if buf.Truncated() {
		t.Fatal("buffer should not be truncated")
	}
	if got := buf.Render(); got != "hello world" {
		t.Fatalf("render = %q, want %q", got, "hello world")
	}
}

func TestTruncationKeepsHeadAndMarker(t *testing.T) {
	buf := New(64, 12, "\n...[truncated]...\n")
	buf.Append("HEAD-SECTION-")
	buf.Append(strings.Repeat("x", 200))

	rendered := buf.Render()
	if len(rendered) > 64 {
		t.Fatalf("rendered length = %d, want <= 64", len(rendered))
	}
	if !strings.Contains(rendered, "...[truncated]...") {
		t.Fatalf("rendered %q missing truncation marker", rendered)
	}
	if !strings.HasPrefix(rendered, "HEAD-SECTION") {
		t.Fatalf("rendered %q does not start with head prefix", rendered)
	}
	if !buf.Truncated() {
		t.Fatal("buffer should report truncation")
	}
}

func TestTailKeepsMostRecentBytes(t *testing.T) {
	buf := New(20, 5, "|")
	buf.Append("abcde")
	buf.Append(strings.Repeat("1", 30))
	buf.Append("FINAL")

	rendered := buf.Render()
	if !strings.HasSuffix(rendered, "FINAL") {
		t.Fatalf("rendered %q should end with the most recent tail bytes", rendered)
	}
	if len(rendered) > 20 {
		t.Fatalf("rendered length = %d, want <= 20", len(rendered))
	}
}

func TestMarkerTakesPrecedenceOverTail(t *testing.T) {
	buf := New(10, 8, "[cut]")
	buf.Append("12345678")
	buf.Append(strings.Repeat("y", 50))

	rendered := buf.Render()
	if len(rendered) > 10 {
		t.Fatalf("rendered length = %d, want <= 10", len(rendered))
	}
	if !strings.Contains(rendered, "[cut]") {
		t.Fatalf("rendered %q missing marker", rendered)
	}
}

func TestOversizeMarkerIsClipped(t *testing.T) {
	buf := New(4, 2, "toolongmarker")
	buf.Append("ab")
	buf.Append(strings.Repeat("z", 20))

	if got := buf.Render(); got != "tool" {
		t.Fatalf("render = %q, want clipped marker %q", got, "tool")
	}
}

func TestEmptyMarkerFallsBackToHeadTail(t *testing.T) {
	buf := New(8, 4, "")
	buf.Append("head")
	buf.Append(strings.Repeat("t", 20))

	rendered := buf.Render()
	if !strings.HasPrefix(rendered, "head") {
		t.Fatalf("rendered %q should start with head", rendered)
	}
	if len(rendered) > 8 {
		t.Fatalf("rendered length = %d, want <= 8", len(rendered))
	}
}

func TestHeadLargerThanMaxIsClamped(t *testing.T) {
	buf := New(5, 50, "|")
	buf.Append("abcdefghij")

	rendered := buf.Render()
	if rendered != "abcd|" {
		t.Fatalf("render = %q, want %q", rendered, "abcd|")
	}
}
