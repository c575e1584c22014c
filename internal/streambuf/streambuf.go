// Package streambuf provides a fixed-capacity text accumulator for
// subprocess output streams. It keeps the beginning of the stream for
// context and the most recent end for the final result, dropping the
// middle when the capacity is exceeded.
package streambuf

// Buffer accumulates stream text up to a byte budget. The first HeadChars
// bytes are kept verbatim; everything after that flows into a tail window
// that drops its oldest bytes first.
type Buffer struct {
	maxChars  int
	headChars int
	marker    string

	head      []byte
	tail      []byte
	truncated bool
}

// New creates a Buffer holding at most maxChars bytes, of which up to
// headChars are reserved for the immutable head prefix. The marker is
// inserted between head and tail when rendering a truncated buffer.
func New(maxChars, headChars int, marker string) *Buffer {
	if maxChars < 1 {
		maxChars = 1
	}
	if headChars < 0 {
		headChars = 0
	}
	if headChars > maxChars {
		headChars = maxChars
	}
	return &Buffer{
		maxChars:  maxChars,
		headChars: headChars,
		marker:    marker,
	}
}

// Append adds text to the buffer, filling the head first and routing the
// rest to the tail window.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}

	if len(b.head) < b.headChars {
		remaining := b.headChars - len(b.head)
		if remaining > len(text) {
			remaining = len(text)
		}
		b.head = append(b.head, text[:remaining]...)
		text = text[remaining:]
	}

	if text != "" {
		b.tail = append(b.tail, text...)
		b.trimTail()
	}
}

// trimTail drops the oldest tail bytes until the total fits the budget.
func (b *Buffer) trimTail() {
	allowed := b.maxChars - len(b.head)
	if allowed < 0 {
		allowed = 0
	}
	if len(b.tail) > allowed {
		overflow := len(b.tail) - allowed
		b.tail = append(b.tail[:0], b.tail[overflow:]...)
		b.truncated = true
	}
}

// Truncated reports whether any bytes have been dropped.
func (b *Buffer) Truncated() bool {
	return b.truncated
}

// Render returns the buffered text. If nothing was dropped the result is the
// exact input. Otherwise head, marker and the tail's end are fitted into
// maxChars, with the marker taking precedence over tail content.
func (b *Buffer) Render() string {
	head := string(b.head)
	tail := string(b.tail)
	if !b.truncated {
		return head + tail
	}

	marker := b.marker
	if marker == "" {
		return head + tail
	}
	if len(marker) >= b.maxChars {
		return marker[:b.maxChars]
	}

	available := b.maxChars - len(marker)
	if len(head) > available {
		head = head[:available]
	}
	tailBudget := available - len(head)
	if tailBudget <= 0 {
		tail = ""
	} else if len(tail) > tailBudget {
		tail = tail[len(tail)-tailBudget:]
	}
	return head + marker + tail
}
