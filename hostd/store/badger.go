package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	badgerConflictRetries = 64
	badgerPollInterval    = 250 * time.Millisecond
)

// Key layout inside badger. NUL separates the logical key from its suffix.
var (
	prefixKV       = []byte("k\x00")
	prefixListMeta = []byte("lm\x00")
	prefixList     = []byte("l\x00")
	prefixSched    = []byte("s\x00")
	prefixSchedIdx = []byte("si\x00")
	prefixLease    = []byte("ls\x00")
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string
	// InMemory keeps everything in RAM (tests).
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration
	Logger     *zap.Logger
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// BadgerStore implements the Store interface on an embedded badger database.
// Lists are stored as sequence-numbered keys between a head and tail counter and the
// schedule set as due-time ordered keys, so every operation is one badger transaction.
type BadgerStore struct {
	db *badger.DB

	mu     sync.Mutex
	pushed chan struct{}

	stopGC chan struct{}
	gcDone chan struct{}
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// OpenBadgerStore opens (or creates) the embedded store.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, pushed: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on SSI conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	defer observe("badger", time.Now())
	for i := 0; i < badgerConflictRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return badger.ErrConflict
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	defer observe("badger", time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BadgerStore) notifyPush() {
	s.mu.Lock()
	close(s.pushed)
	s.pushed = make(chan struct{})
	s.mu.Unlock()
}

// --- Key-Value Operations ---

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(joinKey(prefixKV, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(joinKey(prefixKV, key), value)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, keys ...string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(joinKey(prefixKV, key)); err != nil {
				return err
			}
			if err := txn.Delete(joinKey(prefixLease, key)); err != nil {
				return err
			}
			if err := deletePrefix(txn, joinKey(prefixList, key)); err != nil {
				return err
			}
			if err := txn.Delete(joinKey(prefixListMeta, key)); err != nil {
				return err
			}
			if err := deletePrefix(txn, joinKey(prefixSched, key)); err != nil {
				return err
			}
			if err := deletePrefix(txn, joinKey(prefixSchedIdx, key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- List Operations ---

type listMeta struct {
	head, tail uint64
}

func readListMeta(txn *badger.Txn, key string) (listMeta, error) {
	item, err := txn.Get(joinKey(prefixListMeta, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return listMeta{}, nil
	}
	if err != nil {
		return listMeta{}, err
	}
	var m listMeta
	err = item.Value(func(v []byte) error {
		if len(v) != 16 {
			return &CorruptError{Key: key, Err: fmt.Errorf("list meta has %d bytes", len(v))}
		}
		m.head = binary.BigEndian.Uint64(v[:8])
		m.tail = binary.BigEndian.Uint64(v[8:])
		return nil
	})
	return m, err
}

func writeListMeta(txn *badger.Txn, key string, m listMeta) error {
	if m.head == m.tail {
		return txn.Delete(joinKey(prefixListMeta, key))
	}
	v := make([]byte, 16)
	binary.BigEndian.PutUint64(v[:8], m.head)
	binary.BigEndian.PutUint64(v[8:], m.tail)
	return txn.Set(joinKey(prefixListMeta, key), v)
}

func listItemKey(key string, seq uint64) []byte {
	k := joinKey(prefixList, key)
	return binary.BigEndian.AppendUint64(k, seq)
}

func pushTxn(txn *badger.Txn, key string, values [][]byte) error {
	m, err := readListMeta(txn, key)
	if err != nil {
		return err
	}
	if m.head == m.tail {
		m = listMeta{}
	}
	for _, v := range values {
		if err := txn.Set(listItemKey(key, m.tail), v); err != nil {
			return err
		}
		m.tail++
	}
	return writeListMeta(txn, key, m)
}

func (s *BadgerStore) Push(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return pushTxn(txn, key, values)
	})
	if err == nil {
		s.notifyPush()
	}
	return err
}

func (s *BadgerStore) Pop(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.update(ctx, func(txn *badger.Txn) error {
		out = nil
		m, err := readListMeta(txn, key)
		if err != nil {
			return err
		}
		if m.head == m.tail {
			return ErrEmpty
		}
		ik := listItemKey(key, m.head)
		item, err := txn.Get(ik)
		if err != nil {
			return fmt.Errorf("list %s head %d: %w", key, m.head, err)
		}
		if out, err = item.ValueCopy(nil); err != nil {
			return err
		}
		if err := txn.Delete(ik); err != nil {
			return err
		}
		m.head++
		return writeListMeta(txn, key, m)
	})
	return out, err
}

func (s *BadgerStore) PopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(badgerPollInterval)
	defer poll.Stop()

	for {
		s.mu.Lock()
		wake := s.pushed
		s.mu.Unlock()

		v, err := s.Pop(ctx, key)
		if !errors.Is(err, ErrEmpty) {
			return v, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrEmpty
		case <-wake:
		case <-poll.C:
		}
	}
}

func (s *BadgerStore) Len(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.view(ctx, func(txn *badger.Txn) error {
		m, err := readListMeta(txn, key)
		n = int64(m.tail - m.head)
		return err
	})
	return n, err
}

func (s *BadgerStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	out := [][]byte{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		m, err := readListMeta(txn, key)
		if err != nil {
			return err
		}
		lo, hi, ok := clampRange(int64(m.tail-m.head), start, stop)
		if !ok {
			return nil
		}
		for i := lo; i <= hi; i++ {
			item, err := txn.Get(listItemKey(key, m.head+uint64(i)))
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// --- Schedule Operations ---

// Schedule members live in entry values. Keys carry only the due time and a
// SHA-256 of the member, so key size stays fixed however large a task grows.
func schedDigest(value []byte) []byte {
	sum := sha256.Sum256(value)
	return sum[:]
}

func schedEntryKey(key string, due time.Time, digest []byte) []byte {
	k := joinKey(prefixSched, key)
	k = binary.BigEndian.AppendUint64(k, uint64(due.UnixMilli()))
	return append(k, digest...)
}

func schedIdxKey(key string, digest []byte) []byte {
	return append(joinKey(prefixSchedIdx, key), digest...)
}

func scheduleTxn(txn *badger.Txn, key string, value []byte, due time.Time) error {
	digest := schedDigest(value)
	idx := schedIdxKey(key, digest)
	// Re-adding a member moves it, matching sorted-set semantics.
	item, err := txn.Get(idx)
	switch {
	case err == nil:
		var old []byte
		if old, err = item.ValueCopy(nil); err != nil {
			return err
		}
		if err := txn.Delete(old); err != nil {
			return err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}
	entry := schedEntryKey(key, due, digest)
	if err := txn.Set(entry, value); err != nil {
		return err
	}
	return txn.Set(idx, entry)
}

func (s *BadgerStore) ScheduleAt(ctx context.Context, key string, value []byte, dueAt time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return scheduleTxn(txn, key, value, dueAt)
	})
}

// PopDue scans the due prefix in time order and commits removal plus the planned
// batch in the same transaction. A concurrent PopDue touching the same entries fails
// with a conflict and is retried against fresh state.
func (s *BadgerStore) PopDue(ctx context.Context, schedKey, queueKey string, now time.Time, planner DuePlanner) (int, error) {
	popped := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		popped = 0
		prefix := joinKey(prefixSched, schedKey)
		limit := uint64(now.UnixMilli())

		var entries, due [][]byte
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if len(k) != len(prefix)+8+sha256.Size {
				it.Close()
				return &CorruptError{Key: schedKey, Err: errors.New("malformed schedule entry key")}
			}
			if binary.BigEndian.Uint64(k[len(prefix):len(prefix)+8]) > limit {
				break
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			entries = append(entries, k)
			due = append(due, v)
		}
		it.Close()
		if len(due) == 0 {
			return nil
		}

		batch, err := planner(due)
		if err != nil {
			return err
		}
		for _, k := range entries {
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(schedIdxKey(schedKey, k[len(prefix)+8:])); err != nil {
				return err
			}
		}
		if len(batch.Enqueue) > 0 {
			if err := pushTxn(txn, queueKey, batch.Enqueue); err != nil {
				return err
			}
		}
		for _, item := range batch.Schedule {
			if err := scheduleTxn(txn, schedKey, item.Value, item.DueAt); err != nil {
				return err
			}
		}
		popped = len(due)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if popped > 0 {
		s.notifyPush()
	}
	return popped, nil
}

func (s *BadgerStore) ScheduledCount(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = joinKey(prefixSchedIdx, key)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// --- Lease Operations ---

func (s *BadgerStore) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		acquired = false
		lk := joinKey(prefixLease, key)
		_, err := txn.Get(lk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(lk, []byte(value)).WithTTL(ttl)); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *BadgerStore) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	renewed := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		renewed = false
		lk := joinKey(prefixLease, key)
		held, err := leaseHolder(txn, lk)
		if err != nil || held != value {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(lk, []byte(value)).WithTTL(ttl)); err != nil {
			return err
		}
		renewed = true
		return nil
	})
	return renewed, err
}

func (s *BadgerStore) ReleaseLease(ctx context.Context, key, value string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		lk := joinKey(prefixLease, key)
		held, err := leaseHolder(txn, lk)
		if err != nil || held != value {
			return err
		}
		return txn.Delete(lk)
	})
}

func leaseHolder(txn *badger.Txn, lk []byte) (string, error) {
	item, err := txn.Get(lk)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func joinKey(prefix []byte, key string) []byte {
	out := make([]byte, 0, len(prefix)+len(key)+1)
	out = append(out, prefix...)
	out = append(out, key...)
	return append(out, 0)
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
