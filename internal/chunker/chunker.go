// Package chunker segments incrementally arriving model output into speakable
// units for speech synthesis.
//
// [Next] is a pure function of the unsent buffer: callers append each streamed
// delta to their buffer and call Next until it reports no chunk. The returned
// chunk and rest always concatenate back to the input, so no text is lost or
// duplicated however the stream is split.
package chunker

import "unicode/utf8"

// Config holds the cut offsets, in runes.
type Config struct {
	// MinSentence is the minimum offset at which a sentence-terminal mark may
	// end a chunk. Keeps abbreviations like "Dr." from becoming chunks.
	MinSentence int

	// TargetLength is the buffer length at which a chunk is forced even
	// without a sentence boundary.
	TargetLength int

	// MinClause is the offset a comma or semicolon must lie beyond to be used
	// for a forced cut.
	MinClause int

	// MinSpace is the offset a space must lie beyond to be used for a forced
	// cut when no clause mark qualifies.
	MinSpace int
}

// DefaultConfig is the chunking policy used by the turn orchestrator.
var DefaultConfig = Config{
	MinSentence:  20,
	TargetLength: 90,
	MinClause:    40,
	MinSpace:     50,
}

// Next returns the next speakable chunk of buf using [DefaultConfig].
func Next(buf string) (chunk, rest string, ok bool) {
	return DefaultConfig.Next(buf)
}

// Next returns the longest speakable prefix of buf and the remainder. ok is
// false when more text is needed; rest is then buf unchanged.
func (c Config) Next(buf string) (chunk, rest string, ok bool) {
	if buf == "" {
		return "", "", false
	}
	var (
		n         int // runes seen
		sentence  = -1
		clause    = -1
		space     = -1
		prevMark  = false
		prevIndex int
	)
	for i, r := range buf {
		// An ASCII mark only ends a sentence when followed by whitespace, so
		// "3.14" and "e.g" are not split mid-token. Closing quotes and
		// brackets may sit in between and stay with the sentence.
		if prevMark && isSpace(r) && n >= c.MinSentence {
			sentence = prevIndex
		}
		closer := prevMark && isCloser(r)
		prevMark = closer

		switch {
		case closer:
			prevIndex = i + utf8.RuneLen(r)
		case isASCIITerminal(r):
			prevMark = true
			prevIndex = i + 1
		case isWideTerminal(r):
			if n+1 >= c.MinSentence {
				sentence = i + utf8.RuneLen(r)
			}
		case isClause(r):
			if n > c.MinClause {
				clause = i + utf8.RuneLen(r)
			}
		case r == ' ':
			if n > c.MinSpace {
				space = i + 1
			}
		}
		n++
	}

	switch {
	case sentence > 0:
		return buf[:sentence], buf[sentence:], true
	case n < c.TargetLength:
		return "", buf, false
	case clause > 0:
		return buf[:clause], buf[clause:], true
	case space > 0:
		return buf[:space], buf[space:], true
	default:
		return buf, "", true
	}
}

func isASCIITerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	}
	return false
}

// isWideTerminal reports sentence marks of scripts that do not separate
// sentences with spaces.
func isWideTerminal(r rune) bool {
	switch r {
	case '।', '॥', '。', '！', '？', '．':
		return true
	}
	return false
}

func isClause(r rune) bool {
	switch r {
	case ',', ';', '，', '；', '、':
		return true
	}
	return false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\r' || r == '\t'
}
