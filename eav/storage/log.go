package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
)

// TxRecord is one entry of the append-only transaction log
type TxRecord struct {
	TxID      uint64
	Stamp     eav.Stamp
	Source    string // remote the transaction was fetched from, empty if local
	RemoteSeq uint64 // position in the source remote's log
	Datoms    []eav.Datom
}

// Local reports whether the transaction originated on this store
func (r *TxRecord) Local() bool {
	return r.Source == ""
}

// Bytes serializes the record.
// Format: Tx(8) + Peer(16) + OriginTx(8) + Clock(8) + Instant(8) +
// SourceLen(2) + Source + RemoteSeq(8) + Count(4) + datoms, where each datom
// is E(8) + A(8) + Added(1) + ValueLen(4) + typed value.
func (r *TxRecord) Bytes() []byte {
	size := 8 + 16 + 8 + 8 + 8 + 2 + len(r.Source) + 8 + 4
	values := make([][]byte, len(r.Datoms))
	for i, d := range r.Datoms {
		values[i] = eav.TypedValueBytes(d.V)
		size += 8 + 8 + 1 + 4 + len(values[i])
	}

	buf := make([]byte, size)
	off := 0
	put64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[off:], v)
		off += 8
	}

	put64(r.TxID)
	off += copy(buf[off:], r.Stamp.Peer[:])
	put64(r.Stamp.OriginTx)
	put64(r.Stamp.Clock)
	put64(uint64(r.Stamp.Instant.UnixNano()))
	binary.BigEndian.PutUint16(buf[off:], uint16(len(r.Source)))
	off += 2
	off += copy(buf[off:], r.Source)
	put64(r.RemoteSeq)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Datoms)))
	off += 4

	for i, d := range r.Datoms {
		put64(uint64(d.E))
		put64(uint64(d.A))
		if d.Added {
			buf[off] = 1
		}
		off++
		binary.BigEndian.PutUint32(buf[off:], uint32(len(values[i])))
		off += 4
		off += copy(buf[off:], values[i])
	}
	return buf
}

// TxRecordFromBytes deserializes a log record
func TxRecordFromBytes(data []byte) (*TxRecord, error) {
	const header = 8 + 16 + 8 + 8 + 8 + 2
	if len(data) < header {
		return nil, fmt.Errorf("log record too short: %d bytes", len(data))
	}
	r := &TxRecord{}
	off := 0
	get64 := func() uint64 {
		v := binary.BigEndian.Uint64(data[off:])
		off += 8
		return v
	}

	r.TxID = get64()
	copy(r.Stamp.Peer[:], data[off:off+16])
	off += 16
	r.Stamp.OriginTx = get64()
	r.Stamp.Clock = get64()
	r.Stamp.Instant = time.Unix(0, int64(get64())).UTC()
	srcLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+srcLen+12 {
		return nil, fmt.Errorf("log record %d truncated in header", r.TxID)
	}
	r.Source = string(data[off : off+srcLen])
	off += srcLen
	r.RemoteSeq = get64()
	count := int(binary.BigEndian.Uint32(data[off:]))
	off += 4

	r.Datoms = make([]eav.Datom, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < off+21 {
			return nil, fmt.Errorf("log record %d truncated at datom %d", r.TxID, i)
		}
		d := eav.Datom{Tx: r.TxID}
		d.E = eav.Entid(get64())
		d.A = eav.Entid(get64())
		d.Added = data[off] == 1
		off++
		vLen := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if len(data) < off+vLen {
			return nil, fmt.Errorf("log record %d truncated at datom %d value", r.TxID, i)
		}
		v, err := eav.TypedValueFromBytes(data[off : off+vLen])
		if err != nil {
			return nil, fmt.Errorf("log record %d datom %d: %w", r.TxID, i, err)
		}
		off += vLen
		d.V = v
		r.Datoms = append(r.Datoms, d)
	}
	return r, nil
}

func writeStampBytes(ws eav.WriteStamp) []byte {
	buf := make([]byte, 8+8+16)
	binary.BigEndian.PutUint64(buf[0:], ws.Tx)
	binary.BigEndian.PutUint64(buf[8:], uint64(ws.Instant.UnixNano()))
	copy(buf[16:], ws.Peer[:])
	return buf
}

func writeStampFromBytes(data []byte) (eav.WriteStamp, error) {
	var ws eav.WriteStamp
	if len(data) != 32 {
		return ws, fmt.Errorf("write stamp has %d bytes, want 32", len(data))
	}
	ws.Tx = binary.BigEndian.Uint64(data[0:])
	ws.Instant = time.Unix(0, int64(binary.BigEndian.Uint64(data[8:]))).UTC()
	copy(ws.Peer[:], data[16:])
	return ws, nil
}

// Log returns the transactions with after < txid <= upTo in txid order. An
// upTo of zero means the current head.
func (s *Store) Log(ctx context.Context, after, upTo uint64) ([]*TxRecord, error) {
	if s.closed.Load() {
		return nil, eav.ErrClosed
	}
	var records []*TxRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixLog}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(logKey(after + 1)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			tx := binary.BigEndian.Uint64(item.Key()[1:])
			if upTo != 0 && tx > upTo {
				break
			}
			err := item.Value(func(val []byte) error {
				rec, err := TxRecordFromBytes(val)
				if err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return records, nil
}

// History returns the whole log in causal order. Two stores that have
// exchanged all their transactions return the same sequence of stamps.
func (s *Store) History(ctx context.Context) ([]*TxRecord, error) {
	records, err := s.Log(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Stamp.Before(records[j].Stamp)
	})
	return records, nil
}

// Seen returns the local txid a globally identified transaction was
// committed under, if this store has it
func (s *Store) Seen(peer uuid.UUID, originTx uint64) (uint64, bool, error) {
	var tx uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seenKey(peer, originTx))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			tx = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read seen index: %w", err)
	}
	return tx, true, nil
}
