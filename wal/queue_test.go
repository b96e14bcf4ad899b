package wal

import (
	"fmt"
	"sync"
	"testing"

	"github.com/0x5487/matching-core/protocol"
	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, dir string) *Queue {
	t.Helper()
	q, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	return q
}

func testOrder(id string, remaining int64) *protocol.Order {
	return &protocol.Order{
		ID:         id,
		Instrument: "X",
		Side:       protocol.SideBuy,
		Price:      decimal.NewFromInt(1000),
		Quantity:   decimal.NewFromInt(10),
		Remaining:  decimal.NewFromInt(remaining),
		Status:     protocol.OrderStatusActive,
		AccountID:  1,
		Timestamp:  1,
	}
}

func TestQueue_EnqueueDequeueOrder(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	for i := 0; i < 5; i++ {
		seq, err := q.Enqueue(testOrder(fmt.Sprintf("o-%d", i), 10), StreamNew)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	entries, err := q.DequeueBatch(StreamNew, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("o-%d", i), e.Order.ID)
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, StreamNew, e.Stream)
	}

	// dequeue does not remove
	entries, err = q.DequeueBatch(StreamNew, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	// streams are separate
	entries, err = q.DequeueBatch(StreamUpdate, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueue_SharedSequenceAcrossStreams(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	s1, err := q.Enqueue(testOrder("a", 10), StreamNew)
	require.NoError(t, err)
	s2, err := q.Enqueue(testOrder("a", 5), StreamUpdate)
	require.NoError(t, err)
	s3, err := q.Enqueue(testOrder("b", 10), StreamNew)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3}, []uint64{s1, s2, s3})

	head, ok, err := q.HeadSequence(StreamUpdate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), head)
}

func TestQueue_DurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	q := openTestQueue(t, dir)
	_, err := q.Enqueue(testOrder("a", 10), StreamNew)
	require.NoError(t, err)
	_, err = q.Enqueue(testOrder("a", 4), StreamUpdate)
	require.NoError(t, err)
	_, err = q.Enqueue(testOrder("a", 0), StreamUpdate)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q = openTestQueue(t, dir)
	defer q.Close()

	// counter recovered from the last key of both streams
	assert.Equal(t, uint64(3), q.LastSequence())
	seq, err := q.Enqueue(testOrder("b", 10), StreamNew)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	entries, err := q.DequeueBatch(StreamUpdate, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "4", entries[0].Order.Remaining.String())
	assert.Equal(t, "0", entries[1].Order.Remaining.String())
}

func TestQueue_RemoveEntries(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	_, _ = q.Enqueue(testOrder("a", 8), StreamUpdate)
	_, _ = q.Enqueue(testOrder("b", 8), StreamUpdate)
	_, _ = q.Enqueue(testOrder("a", 6), StreamUpdate)
	_, _ = q.Enqueue(testOrder("c", 8), StreamUpdate)

	n, err := q.RemoveEntries(StreamUpdate, []*protocol.Order{{ID: "a"}, {ID: "c"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := q.DequeueBatch(StreamUpdate, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Order.ID)

	size, err := q.Len(StreamUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestQueue_RemoveEntriesRespectsHorizon(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	_, _ = q.Enqueue(testOrder("a", 8), StreamUpdate)
	horizon, _ := q.Enqueue(testOrder("a", 6), StreamUpdate)
	_, _ = q.Enqueue(testOrder("a", 2), StreamUpdate)

	n, err := q.RemoveEntries(StreamUpdate, []*protocol.Order{{ID: "a"}}, horizon)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := q.DequeueBatch(StreamUpdate, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2", entries[0].Order.Remaining.String())
}

func TestQueue_QuarantinesCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)

	_, _ = q.Enqueue(testOrder("a", 10), StreamNew)
	require.NoError(t, q.db.Set(encodeKey([]byte("wal/new/"), 2), []byte("{not json"), pebble.Sync))
	q.seq.Store(2)
	_, _ = q.Enqueue(testOrder("b", 10), StreamNew)

	size, err := q.Len(StreamNew)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	entries, err := q.DequeueBatch(StreamNew, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Order.ID)
	assert.Equal(t, "b", entries[1].Order.ID)

	// moved out of the stream, kept under the corrupt prefix
	size, err = q.Len(StreamNew)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	n, err := q.Quarantined()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	raw, closer, err := q.db.Get([]byte(fmt.Sprintf("wal/corrupt/new/%019d", 2)))
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw))
	require.NoError(t, closer.Close())

	removed, err := q.RemoveEntries(StreamNew, []*protocol.Order{{ID: "a"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	head, ok, err := q.HeadSequence(StreamNew)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), head)

	require.NoError(t, q.Close())
	_, err = q.DequeueBatch(StreamNew, 10)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_RemoveEntriesQuarantinesCorruptEntries(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	_, _ = q.Enqueue(testOrder("a", 8), StreamUpdate)
	require.NoError(t, q.db.Set(encodeKey([]byte("wal/update/"), 2), []byte(`{"id":""}`), pebble.Sync))
	q.seq.Store(2)

	n, err := q.RemoveEntries(StreamUpdate, []*protocol.Order{{ID: "a"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := q.Len(StreamUpdate)
	require.NoError(t, err)
	assert.Zero(t, size)
	_, ok, err := q.HeadSequence(StreamUpdate)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_MalformedKeySuffix(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	_, _ = q.Enqueue(testOrder("a", 10), StreamNew)
	_, _ = q.Enqueue(testOrder("b", 10), StreamUpdate)
	// sorts after every well-formed key of the stream
	require.NoError(t, q.db.Set([]byte("wal/new/9999999999999999999x"), []byte("{}"), pebble.Sync))
	require.NoError(t, q.db.Set([]byte("wal/update/zz"), []byte("{}"), pebble.Sync))
	require.NoError(t, q.Close())

	q = openTestQueue(t, dir)
	defer q.Close()
	assert.Equal(t, uint64(2), q.LastSequence())

	seq, err := q.Enqueue(testOrder("c", 10), StreamNew)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	size, err := q.Len(StreamNew)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	size, err = q.Len(StreamUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	n, err := q.Quarantined()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQueue_HeadSkipsMalformedKeys(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	// sorts before every well-formed key of the stream
	require.NoError(t, q.db.Set([]byte("wal/discard/0"), []byte("{}"), pebble.Sync))
	seq, _ := q.Enqueue(testOrder("a", 10), StreamDiscard)

	head, ok, err := q.HeadSequence(StreamDiscard)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, seq, head)
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	const goroutines, perG = 8, 25
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				_, err := q.Enqueue(testOrder(fmt.Sprintf("g%d-%d", g, i), 10), StreamNew)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	entries, err := q.DequeueBatch(StreamNew, goroutines*perG)
	require.NoError(t, err)
	require.Len(t, entries, goroutines*perG)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Sequence, entries[i].Sequence)
	}
	assert.Equal(t, uint64(goroutines*perG), q.LastSequence())
}

func TestQueue_SequencesBecomeVisibleInOrder(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	const goroutines, perG = 4, 20
	total := goroutines * perG

	done := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				_, err := q.Enqueue(testOrder(fmt.Sprintf("g%d-%d", g, i), 10), StreamNew)
				assert.NoError(t, err)
			}
		}(g)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	// a reader never sees a sequence while a lower one is still missing
	for {
		finished := false
		select {
		case <-done:
			finished = true
		default:
		}

		entries, err := q.DequeueBatch(StreamNew, total)
		require.NoError(t, err)
		for i, e := range entries {
			require.Equal(t, uint64(i+1), e.Sequence)
		}
		if finished {
			assert.Len(t, entries, total)
			return
		}
	}
}

func TestQueue_UnknownStream(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	_, err := q.Enqueue(testOrder("a", 10), Stream(9))
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("wal/new0"), prefixUpperBound([]byte("wal/new/")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff}))
}
