package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds queue state in process memory.
// It implements the Store interface and is used by tests and the "memory" backend.
type MemoryStore struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	lists  map[string][][]byte
	sets   map[string]map[string]time.Time
	leases map[string]memoryLease

	// pushed is closed and replaced on every Push to wake blocked poppers.
	pushed chan struct{}
	now    func() time.Time
}

type memoryLease struct {
	value   string
	expires time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string][]byte),
		lists:  make(map[string][][]byte),
		sets:   make(map[string]map[string]time.Time),
		leases: make(map[string]memoryLease),
		pushed: make(chan struct{}),
		now:    time.Now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

// --- Key-Value Operations ---

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(v), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = copyBytes(value)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
		delete(s.lists, k)
		delete(s.sets, k)
		delete(s.leases, k)
	}
	return nil
}

// --- List Operations ---

func (s *MemoryStore) Push(ctx context.Context, key string, values ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(key, values...)
	return nil
}

func (s *MemoryStore) pushLocked(key string, values ...[]byte) {
	if len(values) == 0 {
		return
	}
	for _, v := range values {
		s.lists[key] = append(s.lists[key], copyBytes(v))
	}
	close(s.pushed)
	s.pushed = make(chan struct{})
}

func (s *MemoryStore) Pop(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.popLocked(key)
	if !ok {
		return nil, ErrEmpty
	}
	return v, nil
}

func (s *MemoryStore) popLocked(key string) ([]byte, bool) {
	l := s.lists[key]
	if len(l) == 0 {
		return nil, false
	}
	v := l[0]
	l[0] = nil
	if len(l) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = l[1:]
	}
	return v, true
}

func (s *MemoryStore) PopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		v, ok := s.popLocked(key)
		wake := s.pushed
		s.mu.Unlock()
		if ok {
			return v, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmpty
		case <-wake:
		}
	}
}

func (s *MemoryStore) Len(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.lists[key]
	lo, hi, ok := clampRange(int64(len(l)), start, stop)
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range l[lo : hi+1] {
		out = append(out, copyBytes(v))
	}
	return out, nil
}

// --- Schedule Operations ---

func (s *MemoryStore) ScheduleAt(ctx context.Context, key string, value []byte, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(key, value, dueAt)
	return nil
}

func (s *MemoryStore) scheduleLocked(key string, value []byte, dueAt time.Time) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]time.Time)
		s.sets[key] = set
	}
	set[string(value)] = dueAt
}

func (s *MemoryStore) PopDue(ctx context.Context, schedKey, queueKey string, now time.Time, planner DuePlanner) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type member struct {
		value string
		due   time.Time
	}
	var due []member
	for v, at := range s.sets[schedKey] {
		if !at.After(now) {
			due = append(due, member{value: v, due: at})
		}
	}
	if len(due) == 0 {
		return 0, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].due.Equal(due[j].due) {
			return due[i].due.Before(due[j].due)
		}
		return due[i].value < due[j].value
	})

	payloads := make([][]byte, len(due))
	for i, m := range due {
		payloads[i] = []byte(m.value)
	}
	batch, err := planner(payloads)
	if err != nil {
		return 0, err
	}

	for _, m := range due {
		delete(s.sets[schedKey], m.value)
	}
	s.pushLocked(queueKey, batch.Enqueue...)
	for _, item := range batch.Schedule {
		s.scheduleLocked(schedKey, item.Value, item.DueAt)
	}
	return len(due), nil
}

func (s *MemoryStore) ScheduledCount(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sets[key])), nil
}

// ScheduledMembers returns a copy of the schedule set for inspection.
func (s *MemoryStore) ScheduledMembers(key string) map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.sets[key]))
	for k, v := range s.sets[key] {
		out[k] = v
	}
	return out
}

// --- Lease Operations ---

func (s *MemoryStore) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[key]; ok && now.Before(l.expires) {
		return false, nil
	}
	s.leases[key] = memoryLease{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.leases[key]
	if !ok || !now.Before(l.expires) || l.value != value {
		return false, nil
	}
	l.expires = now.Add(ttl)
	s.leases[key] = l
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.value == value {
		delete(s.leases, key)
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// clampRange converts redis-style start/stop (negative counts from the tail) into
// inclusive slice bounds.
func clampRange(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}
