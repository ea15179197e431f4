package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForChange(t *testing.T, sub *Subscription) ChangeEvent {
	t.Helper()
	select {
	case event := <-sub.Changes:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func TestPublishChange(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	sub := bus.Subscribe("tenant-1")
	defer bus.Unsubscribe(sub)

	event := ChangeEvent{
		TenantID:       "tenant-1",
		EntityType:     "note",
		EntityID:       "n1",
		Version:        3,
		OriginDeviceID: "device-a",
	}
	require.NoError(t, bus.PublishChange(context.Background(), event))

	received := waitForChange(t, sub)
	require.Equal(t, event, received)
}

func TestTenantIsolation(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	subA := bus.Subscribe("tenant-a")
	subB := bus.Subscribe("tenant-b")
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	require.NoError(t, bus.PublishChange(context.Background(), ChangeEvent{TenantID: "tenant-a", EntityID: "n1"}))

	received := waitForChange(t, subA)
	require.Equal(t, "n1", received.EntityID)

	select {
	case event := <-subB.Changes:
		t.Fatalf("tenant-b received tenant-a's event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConflictChannel(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	sub := bus.Subscribe("tenant-1")
	defer bus.Unsubscribe(sub)

	event := ConflictEvent{TenantID: "tenant-1", ConflictID: "c1", EntityID: "n1"}
	require.NoError(t, bus.PublishConflict(context.Background(), event))

	select {
	case received := <-sub.Conflicts:
		require.Equal(t, event, received)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conflict event")
	}
}

func TestUnsubscribeClosesChannels(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	sub := bus.Subscribe("tenant-1")
	bus.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Changes:
		require.False(t, ok, "changes channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	select {
	case _, ok := <-sub.Conflicts:
		require.False(t, ok, "conflicts channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	sub1 := bus.Subscribe("tenant-1")
	sub2 := bus.Subscribe("tenant-1")
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	require.NoError(t, bus.PublishChange(context.Background(), ChangeEvent{TenantID: "tenant-1", EntityID: "n1"}))

	require.Equal(t, "n1", waitForChange(t, sub1).EntityID)
	require.Equal(t, "n1", waitForChange(t, sub2).EntityID)
}
