package bridge

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrInvalidHandle is returned for a handle that was never issued or has
// been released
var ErrInvalidHandle = errors.New("bridge: invalid handle")

// Handle is an opaque reference held by the host
type Handle uint64

type slot struct {
	obj  any
	refs int
}

// Arena owns the objects behind host handles. An object lives until its
// last reference is released; objects that implement io.Closer are closed
// then.
type Arena struct {
	mu    sync.Mutex
	next  Handle
	slots map[Handle]*slot
}

// NewArena creates an empty arena
func NewArena() *Arena {
	return &Arena{slots: make(map[Handle]*slot)}
}

// Put stores obj with one reference and returns its handle
func (a *Arena) Put(obj any) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.slots[a.next] = &slot{obj: obj, refs: 1}
	return a.next
}

// Get returns the object behind h without taking a reference
func (a *Arena) Get(h Handle) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[h]
	if !ok {
		return nil, false
	}
	return s.obj, true
}

// Retain adds a reference to h
func (a *Arena) Retain(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	s.refs++
	return nil
}

// Release drops a reference to h, closing the object with the last one
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	s, ok := a.slots[h]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	s.refs--
	if s.refs > 0 {
		a.mu.Unlock()
		return nil
	}
	delete(a.slots, h)
	a.mu.Unlock()

	if c, ok := s.obj.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Len returns the number of live handles
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
