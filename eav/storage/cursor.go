package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/wbrown/janus-eav/eav"
)

// Cursor is the per-remote sync position. Remote is the last remote log
// position fully applied locally, Local the local txid high-water mark last
// pushed.
type Cursor struct {
	Remote    uint64
	Local     uint64
	UpdatedAt time.Time
}

func (c Cursor) bytes() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:], c.Remote)
	binary.BigEndian.PutUint64(buf[8:], c.Local)
	binary.BigEndian.PutUint64(buf[16:], uint64(c.UpdatedAt.UnixNano()))
	return buf
}

func cursorFromBytes(data []byte) (Cursor, error) {
	if len(data) != 24 {
		return Cursor{}, fmt.Errorf("cursor has %d bytes, want 24", len(data))
	}
	return Cursor{
		Remote:    binary.BigEndian.Uint64(data[0:]),
		Local:     binary.BigEndian.Uint64(data[8:]),
		UpdatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(data[16:]))).UTC(),
	}, nil
}

// Cursor loads the cursor stored under key. A missing cursor is the zero
// cursor.
func (s *Store) Cursor(key string) (Cursor, error) {
	var c Cursor
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = readCursor(txn, key)
		return err
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read cursor %q: %w", key, err)
	}
	return c, nil
}

// SaveCursor stores c under key
func (s *Store) SaveCursor(key string, c Cursor) error {
	if s.closed.Load() {
		return eav.ErrClosed
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now().UTC()
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey(key), c.bytes())
	})
	if err != nil {
		return fmt.Errorf("failed to save cursor %q: %w", key, err)
	}
	return nil
}

func readCursor(txn *badger.Txn, key string) (Cursor, error) {
	item, err := txn.Get(cursorKey(key))
	if err == badger.ErrKeyNotFound {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, err
	}
	var c Cursor
	err = item.Value(func(val []byte) error {
		c, err = cursorFromBytes(val)
		return err
	})
	return c, err
}
