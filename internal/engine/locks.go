package engine

import (
	"sync"

	"github.com/google/uuid"
)

// spaceLocks serializes mutating operations per space. Different spaces
// never contend; within one space a debounce update, a reservation change
// and an override change take turns, which rules out lost updates between
// racing triggers. The map only grows with the number of spaces.
type spaceLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newSpaceLocks() *spaceLocks {
	return &spaceLocks{locks: make(map[uuid.UUID]*sync.Mutex)}
}

// acquire locks the given space and returns the unlock function
func (l *spaceLocks) acquire(spaceID uuid.UUID) func() {
	l.mu.Lock()
	m, ok := l.locks[spaceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[spaceID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
