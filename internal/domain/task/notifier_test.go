package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workstead/provisioner/internal/domain/model"
)

// blockingWaiter blocks until released or the context ends; release simulates
// a pg_notify wakeup.
type blockingWaiter struct {
	waits   atomic.Int32
	release chan struct{}
	err     error
}

func newBlockingWaiter() *blockingWaiter {
	return &blockingWaiter{release: make(chan struct{}, 1)}
}

func (w *blockingWaiter) WaitForNotification(ctx context.Context, _ model.JobKind) error {
	w.waits.Add(1)
	if w.err != nil {
		return w.err
	}
	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNewNotifier(t *testing.T) {
	t.Run("requires waiter", func(t *testing.T) {
		_, err := NewNotifier(NotifierOptions{})
		require.ErrorIs(t, err, ErrWaiterRequired)
	})

	t.Run("success", func(t *testing.T) {
		n, err := NewNotifier(NotifierOptions{Waiter: newBlockingWaiter()})
		require.NoError(t, err)
		defer n.StopAll()
		assert.NotNil(t, n)
	})
}

func TestDefaultNotifier_Subscribe(t *testing.T) {
	t.Run("broadcast wakes subscribers", func(t *testing.T) {
		waiter := newBlockingWaiter()
		n, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: time.Millisecond})
		require.NoError(t, err)
		defer n.StopAll()

		unsub, ch := n.Subscribe(model.JobKindEmployeeProvisioning)
		defer unsub()

		waiter.release <- struct{}{}

		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber was never notified")
		}
	})

	t.Run("broadcast does not block on a full channel", func(t *testing.T) {
		waiter := newBlockingWaiter()
		n, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: time.Millisecond})
		require.NoError(t, err)
		defer n.StopAll()

		unsub, ch := n.Subscribe(model.JobKindEmployeeProvisioning)
		defer unsub()

		// Two wakeups with nobody reading; the second must not deadlock.
		waiter.release <- struct{}{}
		require.Eventually(t, func() bool { return len(ch) == 1 }, 2*time.Second, time.Millisecond)
		waiter.release <- struct{}{}

		require.Eventually(t, func() bool {
			return waiter.waits.Load() >= 2
		}, 2*time.Second, time.Millisecond)
	})

	t.Run("unsubscribe closes the channel", func(t *testing.T) {
		n, err := NewNotifier(NotifierOptions{Waiter: newBlockingWaiter(), Backoff: time.Millisecond})
		require.NoError(t, err)
		defer n.StopAll()

		unsub, ch := n.Subscribe(model.JobKindEmployeeProvisioning)
		unsub()

		select {
		case _, open := <-ch:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("channel not closed after unsubscribe")
		}

		// A second unsubscribe is a no-op.
		unsub()
	})

	t.Run("waiter errors back off and keep broadcasting", func(t *testing.T) {
		waiter := newBlockingWaiter()
		waiter.err = errors.New("listen connection lost")
		n, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: time.Millisecond})
		require.NoError(t, err)
		defer n.StopAll()

		unsub, ch := n.Subscribe(model.JobKindEmployeeProvisioning)
		defer unsub()

		// The error path still wakes idle workers so they re-check the queue.
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber was never notified after waiter error")
		}

		require.Eventually(t, func() bool {
			return waiter.waits.Load() >= 2
		}, 2*time.Second, time.Millisecond)
	})
}

func TestDefaultNotifier_StopAll(t *testing.T) {
	waiter := newBlockingWaiter()
	n, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: time.Millisecond})
	require.NoError(t, err)

	_, chA := n.Subscribe(model.JobKindEmployeeProvisioning)
	_, chB := n.Subscribe(model.JobKindEmployeeProvisioning)

	n.StopAll()

	for _, ch := range []<-chan struct{}{chA, chB} {
		select {
		case _, open := <-ch:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("channel not closed after StopAll")
		}
	}
}
