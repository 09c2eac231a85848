package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/common/logger"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	received := make(chan *Notification, 1)
	sub, err := b.Subscribe(SubjectTaskUpdated, func(_ context.Context, n *Notification) {
		received <- n
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	n, err := NewNotification(SubjectTaskUpdated, map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), n))

	got := <-received
	require.Equal(t, n.ID, got.ID)
	require.Equal(t, SubjectTaskUpdated, got.Subject)
}

func TestMemoryBusWildcard(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	var seen []string
	_, err := b.Subscribe("*", func(_ context.Context, n *Notification) {
		seen = append(seen, n.Subject)
	})
	require.NoError(t, err)

	for _, subject := range []string{SubjectTaskUpdated, SubjectObjectUpdated, SubjectSessionFailed} {
		n, err := NewNotification(subject, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), n))
	}
	require.Equal(t, []string{SubjectTaskUpdated, SubjectObjectUpdated, SubjectSessionFailed}, seen)
}

func TestMemoryBusSubjectIsolation(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	calls := 0
	_, err := b.Subscribe(SubjectSessionFailed, func(context.Context, *Notification) {
		calls++
	})
	require.NoError(t, err)

	n, err := NewNotification(SubjectTaskUpdated, nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), n))
	require.Zero(t, calls)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	calls := 0
	sub, err := b.Subscribe(SubjectTaskUpdated, func(context.Context, *Notification) {
		calls++
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	n, err := NewNotification(SubjectTaskUpdated, nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), n))
	require.Zero(t, calls)
}

func TestMemoryBusClosedPublishFails(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	b.Close()
	n, err := NewNotification(SubjectTaskUpdated, nil)
	require.NoError(t, err)
	require.Error(t, b.Publish(context.Background(), n))
}
