package spectrum

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// recursiveMutex is a reentrant lock: the same goroutine may Lock it
// repeatedly without deadlocking, as long as it calls Unlock the same
// number of times. Go's sync.Mutex has no such primitive; this is the
// standard goroutine-id-keyed counting wrapper used where Go code
// genuinely needs C++-style recursive_mutex semantics, which SpecFile's
// locking model requires since its own methods call each other while
// already holding the lock.
type recursiveMutex struct {
	mu      sync.Mutex
	owner   int64
	count   int
	gate    sync.Mutex // guards owner/count under mu's protection window
}

func (m *recursiveMutex) Lock() {
	id := goroutineID()
	m.gate.Lock()
	if m.owner == id {
		m.count++
		m.gate.Unlock()
		return
	}
	m.gate.Unlock()

	m.mu.Lock()
	m.gate.Lock()
	m.owner = id
	m.count = 1
	m.gate.Unlock()
}

func (m *recursiveMutex) Unlock() {
	id := goroutineID()
	m.gate.Lock()
	if m.owner != id {
		m.gate.Unlock()
		panic("spectrum: recursiveMutex unlocked by non-owner goroutine")
	}
	m.count--
	if m.count > 0 {
		m.gate.Unlock()
		return
	}
	m.owner = 0
	m.gate.Unlock()
	m.mu.Unlock()
}

// goroutineID extracts the current goroutine's id from its stack
// trace header ("goroutine 123 [running]:"). This is the well-known
// stdlib-only trick for goroutine-local identity; it is deliberately
// not exposed as a general-purpose API, only used internally here to
// key lock ownership.
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
