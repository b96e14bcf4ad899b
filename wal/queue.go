package wal

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/0x5487/matching-core/protocol"
	"github.com/cockroachdb/pebble"
)

var (
	ErrCorruptEntry  = errors.New("wal: corrupt entry")
	ErrClosed        = errors.New("wal: queue is closed")
	ErrUnknownStream = errors.New("wal: unknown stream")
)

// Stream selects one of the logical logs kept in the queue.
type Stream uint8

const (
	StreamNew     Stream = 1 // Orders that exist but may not be in the store yet
	StreamUpdate  Stream = 2 // Post-match state of orders
	StreamDiscard Stream = 3 // Orders rejected after their NEW entry was written
)

// Streams lists every stream in the order the writer drains them.
var Streams = []Stream{StreamNew, StreamDiscard, StreamUpdate}

func (s Stream) String() string {
	switch s {
	case StreamNew:
		return "new"
	case StreamUpdate:
		return "update"
	case StreamDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

func (s Stream) prefix() ([]byte, error) {
	switch s {
	case StreamNew:
		return []byte("wal/new/"), nil
	case StreamUpdate:
		return []byte("wal/update/"), nil
	case StreamDiscard:
		return []byte("wal/discard/"), nil
	default:
		return nil, ErrUnknownStream
	}
}

// corruptPrefix holds entries moved out of their stream because they could not
// be decoded. They are kept for inspection and never read back.
var corruptPrefix = []byte("wal/corrupt/")

// sequenceDigits is the width of the zero-padded sequence suffix; it fits any uint64 below 10^19.
const sequenceDigits = 19

// Entry is one decoded record of a stream.
type Entry struct {
	Stream   Stream
	Sequence uint64
	Order    *protocol.Order
}

// Config configures the queue.
type Config struct {
	Dir        string              // pebble directory, e.g. "./wal_data"
	Serializer protocol.Serializer // defaults to protocol.JSONSerializer
	Options    *pebble.Options     // optional pebble tuning
}

// Queue is a crash-safe, sequence-ordered log of order streams stored in a
// pebble database. Every write is synced before it returns.
type Queue struct {
	db         *pebble.DB
	serializer protocol.Serializer
	writeMu    sync.Mutex    // Keys become visible in sequence order
	seq        atomic.Uint64 // Shared by all streams
	closeOnce  sync.Once
	isClosed   atomic.Bool
}

// Open opens (or creates) the queue and recovers the sequence counter from the
// last well-formed key of each stream.
func Open(cfg Config) (*Queue, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./wal_data"
	}
	if cfg.Serializer == nil {
		cfg.Serializer = protocol.JSONSerializer{}
	}
	opts := cfg.Options
	if opts == nil {
		opts = &pebble.Options{}
	}

	db, err := pebble.Open(cfg.Dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", cfg.Dir, err)
	}

	q := &Queue{
		db:         db,
		serializer: cfg.Serializer,
	}

	var last uint64
	for _, stream := range Streams {
		seq, ok, err := q.boundarySequence(stream, true)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if ok && seq > last {
			last = seq
		}
	}
	q.seq.Store(last)

	logger.Info("wal opened", "dir", cfg.Dir, "last_sequence", last)
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.isClosed.Store(true)
		err = q.db.Close()
	})
	return err
}

// LastSequence returns the last assigned sequence number.
func (q *Queue) LastSequence() uint64 {
	return q.seq.Load()
}

// Enqueue durably appends a snapshot of order to stream and returns its sequence.
func (q *Queue) Enqueue(order *protocol.Order, stream Stream) (uint64, error) {
	if q.isClosed.Load() {
		return 0, ErrClosed
	}

	prefix, err := stream.prefix()
	if err != nil {
		return 0, err
	}

	data, err := q.serializer.Marshal(order)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal order %s: %w", order.ID, err)
	}

	// The lock spans the fsync, so writers of every instrument queue behind
	// one disk flush. It keeps keys visible in sequence order, which the
	// writer's NEW head check depends on.
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	seq := q.seq.Add(1)
	if err := q.db.Set(encodeKey(prefix, seq), data, pebble.Sync); err != nil {
		return 0, fmt.Errorf("wal: write %s/%d: %w", stream, seq, err)
	}
	return seq, nil
}

// DequeueBatch returns up to limit entries of stream in sequence order without
// removing them. Entries that cannot be decoded are moved out of the stream.
func (q *Queue) DequeueBatch(stream Stream, limit int) ([]Entry, error) {
	if q.isClosed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	var corrupt []rawEntry
	entries := make([]Entry, 0, limit)
	err := q.scan(stream, func(key []byte, seq uint64, value []byte) bool {
		order, err := q.decode(value)
		if err != nil {
			corrupt = append(corrupt, newRawEntry(key, value, err))
			return true
		}
		entries = append(entries, Entry{Stream: stream, Sequence: seq, Order: order})
		return len(entries) < limit
	})
	if err != nil {
		return nil, err
	}
	if err := q.quarantine(stream, corrupt); err != nil {
		return nil, err
	}
	return entries, nil
}

// RemoveEntries deletes every entry of stream whose order id matches one of
// orders, in a single atomic batch. An order may have several entries in the
// UPDATE stream; all of them go. When through is non-zero only entries with a
// sequence not greater than through are removed, so entries appended after the
// caller's batch was read are left for the next round.
func (q *Queue) RemoveEntries(stream Stream, orders []*protocol.Order, through uint64) (int, error) {
	if q.isClosed.Load() {
		return 0, ErrClosed
	}
	if len(orders) == 0 {
		return 0, nil
	}

	ids := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		ids[o.ID] = struct{}{}
	}

	var (
		keys    [][]byte
		corrupt []rawEntry
	)
	err := q.scan(stream, func(key []byte, seq uint64, value []byte) bool {
		if through > 0 && seq > through {
			return false
		}
		order, err := q.decode(value)
		if err != nil {
			corrupt = append(corrupt, newRawEntry(key, value, err))
			return true
		}
		if _, ok := ids[order.ID]; ok {
			keys = append(keys, append([]byte(nil), key...))
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if err := q.quarantine(stream, corrupt); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	batch := q.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key, nil); err != nil {
			return 0, fmt.Errorf("wal: stage delete %s: %w", key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("wal: commit delete batch: %w", err)
	}
	return len(keys), nil
}

// HeadSequence returns the lowest pending sequence of stream. ok is false when
// the stream is empty.
func (q *Queue) HeadSequence(stream Stream) (seq uint64, ok bool, err error) {
	if q.isClosed.Load() {
		return 0, false, ErrClosed
	}
	return q.boundarySequence(stream, false)
}

// Len counts the pending entries of stream. Keys with a malformed sequence
// suffix are moved out of the stream and not counted; undecodable values are
// counted until the next DequeueBatch moves them.
func (q *Queue) Len(stream Stream) (int, error) {
	if q.isClosed.Load() {
		return 0, ErrClosed
	}
	n := 0
	err := q.scan(stream, func([]byte, uint64, []byte) bool {
		n++
		return true
	})
	return n, err
}

// Quarantined counts the entries moved out of their stream as corrupt.
func (q *Queue) Quarantined() (int, error) {
	if q.isClosed.Load() {
		return 0, ErrClosed
	}

	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: corruptPrefix,
		UpperBound: prefixUpperBound(corruptPrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("wal: open iterator: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// scan walks stream in key order until fn returns false. Keys with a malformed
// sequence suffix are skipped and quarantined once the walk ends.
// key and value are only valid during the callback.
func (q *Queue) scan(stream Stream, fn func(key []byte, seq uint64, value []byte) bool) error {
	prefix, err := stream.prefix()
	if err != nil {
		return err
	}

	var malformed []rawEntry
	err = func() error {
		iter, err := q.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: prefixUpperBound(prefix),
		})
		if err != nil {
			return fmt.Errorf("wal: open iterator: %w", err)
		}
		defer iter.Close()

		for iter.First(); iter.Valid(); iter.Next() {
			key := iter.Key()
			seq, err := decodeSequence(prefix, key)
			if err != nil {
				malformed = append(malformed, newRawEntry(key, iter.Value(), err))
				continue
			}
			if !fn(key, seq, iter.Value()) {
				break
			}
		}
		return iter.Error()
	}()
	if err != nil {
		return err
	}
	return q.quarantine(stream, malformed)
}

// boundarySequence returns the first (last=false) or last (last=true)
// well-formed sequence of stream. Keys with a malformed suffix are stepped over.
func (q *Queue) boundarySequence(stream Stream, last bool) (uint64, bool, error) {
	prefix, err := stream.prefix()
	if err != nil {
		return 0, false, err
	}

	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, false, fmt.Errorf("wal: open iterator: %w", err)
	}
	defer iter.Close()

	var (
		valid bool
		step  func() bool
	)
	if last {
		valid, step = iter.Last(), iter.Prev
	} else {
		valid, step = iter.First(), iter.Next
	}

	for ; valid; valid = step() {
		seq, err := decodeSequence(prefix, iter.Key())
		if err != nil {
			logger.Warn("skip wal key with bad suffix", "stream", stream.String(), "key", string(iter.Key()), "error", err)
			continue
		}
		return seq, true, nil
	}
	return 0, false, iter.Error()
}

// rawEntry is a stream key and value copied out of an iterator.
type rawEntry struct {
	key   []byte
	value []byte
	cause error
}

func newRawEntry(key, value []byte, cause error) rawEntry {
	return rawEntry{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
		cause: cause,
	}
}

// quarantine moves entries under corruptPrefix in one synced batch, so they no
// longer count as pending or pin the head of their stream.
func (q *Queue) quarantine(stream Stream, entries []rawEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := q.db.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		if err := batch.Set(corruptKey(e.key), e.value, nil); err != nil {
			return fmt.Errorf("wal: stage quarantine %s: %w", e.key, err)
		}
		if err := batch.Delete(e.key, nil); err != nil {
			return fmt.Errorf("wal: stage delete %s: %w", e.key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("wal: commit quarantine batch: %w", err)
	}

	for _, e := range entries {
		logger.Error("quarantined corrupt wal entry", "stream", stream.String(), "key", string(e.key), "error", e.cause)
	}
	return nil
}

// corruptKey maps "wal/<stream>/<seq>" to "wal/corrupt/<stream>/<seq>".
func corruptKey(key []byte) []byte {
	out := make([]byte, 0, len(corruptPrefix)+len(key))
	out = append(out, corruptPrefix...)
	return append(out, bytes.TrimPrefix(key, []byte("wal/"))...)
}

func (q *Queue) decode(value []byte) (*protocol.Order, error) {
	order := new(protocol.Order)
	if err := q.serializer.Unmarshal(value, order); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("%w: missing order id", ErrCorruptEntry)
	}
	return order, nil
}

func encodeKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+sequenceDigits)
	key = append(key, prefix...)
	return fmt.Appendf(key, "%0*d", sequenceDigits, seq)
}

func decodeSequence(prefix []byte, key []byte) (uint64, error) {
	if len(key) != len(prefix)+sequenceDigits {
		return 0, fmt.Errorf("%w: key %q has unexpected length", ErrCorruptEntry, key)
	}
	seq, err := strconv.ParseUint(string(key[len(prefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %v", ErrCorruptEntry, key, err)
	}
	return seq, nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
