package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"merosslan/internal/device"
	"merosslan/internal/events"
	"merosslan/internal/wire"
)

type fakeMQTT struct {
	publishable bool
	published   []wire.Envelope
	fail        bool
}

func (f *fakeMQTT) Publish(deviceID string, env wire.Envelope) error {
	if f.fail {
		return errFakePublish
	}
	f.published = append(f.published, env)
	return nil
}
func (f *fakeMQTT) Publishable() bool { return f.publishable }

var errFakePublish = &publishError{}

type publishError struct{}

func (*publishError) Error() string { return "publish failed" }

func TestPreferredTransportAutoWithLANHost(t *testing.T) {
	d := device.New(device.Config{ID: "dev1", Key: "k", ConfiguredProtocol: device.ProtocolAuto, HasLANHost: true}, nil, nil, zap.NewNop())
	require.Equal(t, device.TransportHTTP, d.CurrentProtocol())
}

func TestPreferredTransportAutoNoLANHost(t *testing.T) {
	d := device.New(device.Config{ID: "dev1", Key: "k", ConfiguredProtocol: device.ProtocolAuto}, nil, nil, zap.NewNop())
	require.Equal(t, device.TransportMQTT, d.CurrentProtocol())
}

func TestOnlineInvariantAfterMQTTReceive(t *testing.T) {
	d := device.New(device.Config{ID: "dev1", Key: "k", ConfiguredProtocol: device.ProtocolAuto}, nil, nil, zap.NewNop())
	require.False(t, d.Online())

	env, err := wire.Build(wire.NamespaceSystemAll, wire.MethodGetAck, map[string]any{}, "k", "/appliance/dev1/publish")
	require.NoError(t, err)
	d.Receive(device.TransportMQTT, env)
	require.True(t, d.Online())
}

func TestMQTTPublishRequestDoesNotBlockOnReply(t *testing.T) {
	mqtt := &fakeMQTT{publishable: true}
	d := device.New(device.Config{ID: "dev1", Key: "k", ConfiguredProtocol: device.ProtocolAuto}, nil, mqtt, zap.NewNop())
	d.AttachMQTT(mqtt)
	d.OnMQTTConnected(true)

	reply, err := d.Request(context.Background(), wire.NamespaceSystemAll, wire.MethodGet, map[string]any{})
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Len(t, mqtt.published, 1)
}

func TestBatchResetsAfterFlushEmpty(t *testing.T) {
	d := device.New(device.Config{ID: "dev1", Key: "k", ConfiguredProtocol: device.ProtocolMQTTOnly}, nil, &fakeMQTT{publishable: true}, zap.NewNop())
	require.NoError(t, d.Flush(context.Background()))
}

func TestFindRuleBisection(t *testing.T) {
	rules := []device.TimeRule{
		{Epoch: 100, UTCOffset: 3600, DST: false},
		{Epoch: 200, UTCOffset: 7200, DST: true},
		{Epoch: 300, UTCOffset: 3600, DST: false},
	}
	require.Equal(t, -1, device.FindRuleForTest(rules, 50))
	require.Equal(t, 0, device.FindRuleForTest(rules, 150))
	require.Equal(t, 1, device.FindRuleForTest(rules, 200))
	require.Equal(t, 2, device.FindRuleForTest(rules, 999))
}

func TestClockTolerancePositive(t *testing.T) {
	require.Greater(t, device.ClockTolerance, time.Duration(0))
}

func TestOnlineTransitionPublishesEvent(t *testing.T) {
	d := device.New(device.Config{ID: "dev1", Key: "k", ConfiguredProtocol: device.ProtocolAuto}, nil, nil, zap.NewNop())
	bus := events.NewBus()
	var got []events.Event
	bus.Subscribe(events.SinkFunc(func(e events.Event) { got = append(got, e) }))
	d.AttachBus(bus)

	env, err := wire.Build(wire.NamespaceSystemAll, wire.MethodGetAck, map[string]any{}, "k", "/appliance/dev1/publish")
	require.NoError(t, err)
	d.Receive(device.TransportMQTT, env)

	require.Len(t, got, 1)
	require.Equal(t, events.KindOnline, got[0].Kind)
	require.Equal(t, "dev1", got[0].DeviceID)
}
