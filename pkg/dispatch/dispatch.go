// Package dispatch is the format-dispatch/parse-recovery framework:
// it holds a table of registered format readers/writers and tries them
// in a deterministic order, rewinding the stream on failure. It
// deliberately does not import any format package — each format
// package (pkg/iaeaspe, pkg/binspc, pkg/pcf) registers itself from an
// init() func, the way database/sql drivers and image-format decoders
// register with their host package, so this package and the formats it
// dispatches to never form an import cycle.
package dispatch

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"gospec/pkg/spectrum"
)

// Format is the closed variant of dispatchable file formats. N42, CSV,
// and CNF are recognized collaborator formats elsewhere in the
// ecosystem this library interoperates with but have no registration
// here.
type Format int

const (
	FormatUnknown Format = iota
	FormatIAEASPE
	FormatBinarySPC
	FormatPCF
)

func (f Format) String() string {
	switch f {
	case FormatIAEASPE:
		return "iaea-spe"
	case FormatBinarySPC:
		return "binary-spc"
	case FormatPCF:
		return "pcf"
	default:
		return "unknown"
	}
}

// ReaderFunc parses a stream into a SpecFile, or returns an error
// (wrapping spectrum.ErrFormatRejected when the stream plainly isn't
// this format) leaving the stream position unspecified on failure --
// the dispatcher always rewinds for you.
type ReaderFunc func(io.Reader) (*spectrum.SpecFile, error)

// WriterFunc serializes a SpecFile in this format.
type WriterFunc func(io.Writer, *spectrum.SpecFile) error

// SniffFunc reports whether a peek at the stream's leading bytes looks
// like this format -- typically a "first non-zero byte" heuristic.
type SniffFunc func(peek []byte) bool

type registration struct {
	format     Format
	extensions []string
	sniff      SniffFunc
	read       ReaderFunc
	write      WriterFunc
}

var (
	mu       sync.Mutex
	registry []registration
)

// Register adds a format to the dispatch table. Called from each
// format package's init(), never from core code directly.
func Register(format Format, extensions []string, sniff SniffFunc, read ReaderFunc, write WriterFunc) {
	mu.Lock()
	defer mu.Unlock()
	registry = append(registry, registration{
		format:     format,
		extensions: extensions,
		sniff:      sniff,
		read:       read,
		write:      write,
	})
}

// Lookup returns the registered writer for a format, or ok=false if
// nothing has registered it (e.g. the caller blank-imported the wrong
// set of format packages).
func Lookup(format Format) (WriterFunc, bool) {
	mu.Lock()
	defer mu.Unlock()
	for _, r := range registry {
		if r.format == format {
			return r.write, true
		}
	}
	return nil, false
}

const peekSize = 256

// LoadFile tries readers in order against r. If hint is not
// FormatUnknown, only that reader is tried. Otherwise the trial
// order is seeded by filename's extension, then by which registrations'
// SniffFunc accepts the leading bytes, then the remaining registrations
// in registration order. Each attempt snapshots the stream position and
// rewinds on failure; no registration is tried more than once.
func LoadFile(r io.ReadSeeker, filename string, hint Format) (*spectrum.SpecFile, Format, error) {
	mu.Lock()
	candidates := append([]registration(nil), registry...)
	mu.Unlock()

	if hint != FormatUnknown {
		for _, c := range candidates {
			if c.format == hint {
				sf, err := tryRead(r, c.read)
				if err != nil {
					return nil, FormatUnknown, err
				}
				return sf, c.format, nil
			}
		}
		return nil, FormatUnknown, fmt.Errorf("%w: no reader registered for format %s", spectrum.ErrFormatRejected, hint)
	}

	ordered := orderCandidates(r, filename, candidates)

	var tried []string
	for _, c := range ordered {
		sf, err := tryRead(r, c.read)
		if err == nil {
			return sf, c.format, nil
		}
		tried = append(tried, c.format.String())
	}
	return nil, FormatUnknown, fmt.Errorf("%w: no reader accepted the stream (tried: %s)", spectrum.ErrFormatRejected, strings.Join(tried, ", "))
}

// tryRead snapshots the stream position, invokes read, and rewinds on
// failure so a rejected attempt never disturbs where the next one
// starts reading.
func tryRead(r io.ReadSeeker, read ReaderFunc) (*spectrum.SpecFile, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", spectrum.ErrFormatRejected, err)
	}
	sf, err := read(r)
	if err != nil {
		if _, serr := r.Seek(pos, io.SeekStart); serr != nil {
			return nil, fmt.Errorf("%w: rewind failed after rejection: %v", spectrum.ErrFormatRejected, serr)
		}
		return nil, err
	}
	return sf, nil
}

func orderCandidates(r io.ReadSeeker, filename string, candidates []registration) []registration {
	ext := strings.ToLower(filepath.Ext(filename))

	peek := make([]byte, peekSize)
	pos, _ := r.Seek(0, io.SeekCurrent)
	n, _ := io.ReadFull(r, peek)
	peek = peek[:n]
	r.Seek(pos, io.SeekStart)

	seen := make(map[int]bool)
	var ordered []registration

	add := func(idx int) {
		if !seen[idx] {
			seen[idx] = true
			ordered = append(ordered, candidates[idx])
		}
	}

	if ext != "" {
		for i, c := range candidates {
			for _, e := range c.extensions {
				if e == ext {
					add(i)
				}
			}
		}
	}
	for i, c := range candidates {
		if c.sniff != nil && c.sniff(peek) {
			add(i)
		}
	}
	for i := range candidates {
		add(i)
	}
	return ordered
}
