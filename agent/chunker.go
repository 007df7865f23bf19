package agent

import "strings"

// minChunkRunes is the shortest chunk released before the end of a step.
const minChunkRunes = 10

func isBoundary(r rune) bool {
	return r == '。' || r == '、' || r == '！'
}

// chunker turns streamed fragments into speakable chunks: a chunk ends at the
// first sentence boundary found at rune index minChunkRunes or later.
type chunker struct {
	buf []rune
}

// push adds a fragment and returns the chunks it completes.
func (c *chunker) push(fragment string) []string {
	c.buf = append(c.buf, []rune(fragment)...)
	var out []string
	for len(c.buf) > minChunkRunes {
		end := -1
		for i := minChunkRunes; i < len(c.buf); i++ {
			if isBoundary(c.buf[i]) {
				end = i
				break
			}
		}
		if end < 0 {
			break
		}
		out = append(out, string(c.buf[:end+1]))
		c.buf = c.buf[end+1:]
	}
	return out
}

// flush returns the buffered remainder, or "" when it is only whitespace.
func (c *chunker) flush() string {
	rest := string(c.buf)
	c.buf = nil
	if strings.TrimSpace(rest) == "" {
		return ""
	}
	return rest
}
