package orchestrator

import "strings"

// chunker buffers streamed reply text and releases it at sentence-like
// boundaries: a terminal mark followed by whitespace. The released text
// includes that whitespace so the pieces concatenate back to the reply.
type chunker struct {
	buf strings.Builder
}

func isTerminal(b byte) bool {
	switch b {
	case '.', '!', '?', ',', ':', ';':
		return true
	}
	return false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

// Push adds a fragment and returns the text ready to speak, or "".
func (c *chunker) Push(fragment string) string {
	c.buf.WriteString(fragment)
	s := c.buf.String()

	cut := -1
	for i := len(s) - 2; i >= 0; i-- {
		if isTerminal(s[i]) && isSpace(s[i+1]) {
			cut = i + 1
			break
		}
	}
	if cut < 0 {
		return ""
	}
	for cut < len(s) && isSpace(s[cut]) {
		cut++
	}

	out := s[:cut]
	c.buf.Reset()
	c.buf.WriteString(s[cut:])
	return out
}

// Flush returns and clears whatever is buffered.
func (c *chunker) Flush() string {
	s := c.buf.String()
	c.buf.Reset()
	return s
}

// Reset drops buffered text.
func (c *chunker) Reset() { c.buf.Reset() }
