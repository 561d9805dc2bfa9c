// Package sutil provides the shared string/number/time infrastructure
// the higher-level format readers build on: a streaming line reader
// tolerant of mixed line endings, a flexible date/time parser, numeric
// splitters, UTF-8 helpers, and the counted-zero spectrum codec.
package sutil

import (
	"bufio"
	"io"
)

// LineReader returns one logical line at a time from an underlying
// io.Reader, treating any of "\n", "\r", or "\r\n" as a line
// terminator (the "\r\n" pair is consumed as a single terminator).
// Unlike bufio.Scanner, it supports a maximum line length with
// resync-past-the-cap truncation instead of simply erroring out.
type LineReader struct {
	r    *bufio.Reader
	eof  bool
}

// NewLineReader wraps r for line-at-a-time reading.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// EOF reports whether the underlying stream has been exhausted.
func (l *LineReader) EOF() bool { return l.eof }

// ReadLine returns the next logical line (without its terminator). If
// maxLen is positive and the line would exceed it, the returned line
// is truncated to maxLen bytes, and the stream is left positioned
// immediately after the truncation point -- but a trailing CR/LF pair
// at the truncation point is still consumed as the terminator, so the
// next call resumes on the following logical line rather than the
// remainder of the truncated one.
func (l *LineReader) ReadLine(maxLen int) (string, error) {
	if l.eof {
		return "", io.EOF
	}

	var buf []byte
	for {
		b, err := l.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				l.eof = true
				if len(buf) == 0 {
					return "", io.EOF
				}
				return string(buf), nil
			}
			return "", err
		}

		if b == '\n' {
			return string(buf), nil
		}
		if b == '\r' {
			l.consumeLFIfPresent()
			return string(buf), nil
		}

		buf = append(buf, b)
		if maxLen > 0 && len(buf) == maxLen {
			// Truncation point: the stream is left positioned right
			// after it, only consuming a CR/LF pair that happens to
			// land exactly here. Anything past the cap is left in the
			// stream for the next ReadLine call, NOT discarded.
			l.consumeTerminatorIfPresent()
			return string(buf), nil
		}
	}
}

// consumeLFIfPresent consumes a single trailing '\n' following an
// already-read '\r', pairing CRLF into one terminator.
func (l *LineReader) consumeLFIfPresent() {
	next, err := l.r.Peek(1)
	if err == nil && len(next) == 1 && next[0] == '\n' {
		_, _ = l.r.ReadByte()
	}
}

// consumeTerminatorIfPresent consumes a CR, LF, or CRLF pair if the
// stream happens to be positioned exactly at one.
func (l *LineReader) consumeTerminatorIfPresent() {
	next, err := l.r.Peek(1)
	if err != nil || len(next) != 1 {
		return
	}
	switch next[0] {
	case '\n':
		_, _ = l.r.ReadByte()
	case '\r':
		_, _ = l.r.ReadByte()
		l.consumeLFIfPresent()
	}
}
