package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flakyStore struct {
	*MemoryStore
	pingErr      error
	reconnectErr error
	reconnects   int32
}

func (f *flakyStore) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *flakyStore) Reconnect(ctx context.Context) error {
	atomic.AddInt32(&f.reconnects, 1)
	if f.reconnectErr == nil {
		f.pingErr = nil
	}
	return f.reconnectErr
}

func TestGuardReconnects(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), pingErr: errors.New("conn reset")}
	g := NewGuard(inner, 0, zap.NewNop(), func(error) { t.Fatal("must not be fatal") })

	require.NoError(t, g.Set(context.Background(), "k", []byte("v")))
	assert.EqualValues(t, 1, atomic.LoadInt32(&inner.reconnects))
	assert.True(t, g.IsAvailable())
}

func TestGuardEscalatesWhenReconnectFails(t *testing.T) {
	inner := &flakyStore{
		MemoryStore:  NewMemoryStore(),
		pingErr:      errors.New("conn reset"),
		reconnectErr: errors.New("refused"),
	}
	fatal := make(chan error, 1)
	g := NewGuard(inner, 0, zap.NewNop(), func(err error) { fatal <- err })

	_, err := g.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, g.IsAvailable())

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrUnavailable)
	case <-time.After(time.Second):
		t.Fatal("fatal callback not invoked")
	}

	// Subsequent calls fail fast.
	err = g.Push(context.Background(), "q", []byte("x"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 1, atomic.LoadInt32(&inner.reconnects))
}

func TestGuardSkipsPingWithinInterval(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	g := NewGuard(inner, time.Hour, zap.NewNop(), nil)

	require.NoError(t, g.Set(context.Background(), "k", []byte("v")))
	inner.pingErr = errors.New("down")
	_, err := g.Get(context.Background(), "k")
	assert.NoError(t, err, "last success is recent so no ping happens")
}
