package observer

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/metrics"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]Report
}

func (r *recorder) callback(_ string, reports []Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reports)
}

func (r *recorder) txids() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint64
	for _, c := range r.calls {
		for _, rep := range c {
			ids = append(ids, rep.TxID)
		}
	}
	return ids
}

func change(tx uint64, pairs ...[2]eav.Entid) Change {
	var datoms []eav.Datom
	for _, p := range pairs {
		datoms = append(datoms, eav.Datom{E: p[0], A: p[1], V: "x", Tx: tx, Added: true})
	}
	return NewChange(tx, datoms)
}

func flush(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
}

func TestDispatchPrecision(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	const name, due, done eav.Entid = 10, 11, 12
	var dueRec, bothRec recorder
	r.Register("due", []eav.Entid{due}, dueRec.callback)
	r.Register("both", []eav.Entid{due, done}, bothRec.callback)

	r.Dispatch(change(1, [2]eav.Entid{100, name}))
	r.Dispatch(change(2, [2]eav.Entid{100, due}, [2]eav.Entid{101, name}))
	r.Dispatch(change(3, [2]eav.Entid{101, done}, [2]eav.Entid{100, due}))
	flush(t, r)

	assert.Equal(t, []uint64{2, 3}, dueRec.txids())
	assert.Equal(t, []uint64{2, 3}, bothRec.txids())

	bothRec.mu.Lock()
	defer bothRec.mu.Unlock()
	last := bothRec.calls[1]
	require.Len(t, last, 1)
	assert.Equal(t, []eav.Entid{due, done}, last[0].Attributes)
	assert.Equal(t, []eav.Entid{100, 101}, last[0].Entities)

	dueRec.mu.Lock()
	defer dueRec.mu.Unlock()
	assert.Equal(t, []eav.Entid{due}, dueRec.calls[1][0].Attributes)
}

func TestOrderingAndNoDuplicates(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	var rec recorder
	r.Register("k", []eav.Entid{1}, rec.callback)
	for tx := uint64(1); tx <= 50; tx++ {
		r.Dispatch(change(tx, [2]eav.Entid{7, 1}))
	}
	// Redelivery of an old transaction is ignored
	r.Dispatch(change(20, [2]eav.Entid{7, 1}))
	flush(t, r)

	ids := rec.txids()
	require.Len(t, ids, 50)
	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id)
	}
}

func TestRegisterReplacesAndUnregister(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	var first, second recorder
	r.Register("k", []eav.Entid{1}, first.callback)
	r.Dispatch(change(1, [2]eav.Entid{5, 1}))
	flush(t, r)

	r.Register("k", []eav.Entid{2}, second.callback)
	r.Dispatch(change(2, [2]eav.Entid{5, 1}))
	r.Dispatch(change(3, [2]eav.Entid{5, 2}))
	flush(t, r)

	assert.Equal(t, []uint64{1}, first.txids())
	assert.Equal(t, []uint64{3}, second.txids())
	assert.Equal(t, []string{"k"}, r.Keys())

	r.Unregister("k")
	r.Unregister("never-registered")
	r.Dispatch(change(4, [2]eav.Entid{5, 2}))
	flush(t, r)
	assert.Equal(t, []uint64{3}, second.txids())
	assert.Empty(t, r.Keys())

	// A nil callback unregisters
	r.Register("k", []eav.Entid{2}, second.callback)
	r.Register("k", []eav.Entid{2}, nil)
	assert.Empty(t, r.Keys())
}

func TestFailingCallbacksAreIsolated(t *testing.T) {
	var logs bytes.Buffer
	m := metrics.New(nil)
	r := NewRegistry(
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithMetrics(m),
		WithDeliveryTimeout(20*time.Millisecond),
	)
	defer r.Close()

	release := make(chan struct{})
	var healthy recorder
	r.Register("panics", []eav.Entid{1}, func(string, []Report) { panic("boom") })
	r.Register("slow", []eav.Entid{1}, func(string, []Report) { <-release })
	r.Register("healthy", []eav.Entid{1}, healthy.callback)

	r.Dispatch(change(1, [2]eav.Entid{9, 1}))
	r.Dispatch(change(2, [2]eav.Entid{9, 1}))

	// The healthy subscriber is not held up by the slow one
	require.Eventually(t, func() bool { return len(healthy.txids()) == 2 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DeliveryFailures.WithLabelValues("stalled")) >= 1
	}, 5*time.Second, time.Millisecond)

	close(release)
	flush(t, r)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeliveryFailures.WithLabelValues("panic")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ObserverQueueDepth))
	assert.Contains(t, logs.String(), "observer delivery failed")
	assert.Contains(t, logs.String(), "boom")
}

func TestClose(t *testing.T) {
	r := NewRegistry()
	var rec recorder
	r.Register("k", []eav.Entid{1}, rec.callback)
	r.Close()
	r.Dispatch(change(1, [2]eav.Entid{1, 1}))
	r.Register("other", []eav.Entid{1}, rec.callback)
	assert.Empty(t, r.Keys())
	assert.Empty(t, rec.txids())
	flush(t, r)
}

func TestRegisterRacingClose(t *testing.T) {
	for range 50 {
		r := NewRegistry()
		var rec recorder
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Register(string(rune('a'+i)), []eav.Entid{1}, rec.callback)
			}()
		}
		r.Close()
		wg.Wait()
		assert.Empty(t, r.Keys())
		r.Dispatch(change(1, [2]eav.Entid{1, 1}))
		assert.Empty(t, rec.txids())
	}
}
