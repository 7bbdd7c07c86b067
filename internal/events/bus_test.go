package events_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"merosslan/internal/events"
)

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := events.NewBus()
	var a, b []events.Event
	bus.Subscribe(events.SinkFunc(func(e events.Event) { a = append(a, e) }))
	bus.Subscribe(events.SinkFunc(func(e events.Event) { b = append(b, e) }))

	bus.Publish(events.Event{Kind: events.KindOnline, DeviceID: "dev1"})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	require.Equal(t, events.KindOnline, a[0].Kind)
}
