package mqttbroker_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"merosslan/internal/mqttbroker"
	"merosslan/internal/wire"
)

func TestDiscoveryObserveFirstSightingFiresOnUnknown(t *testing.T) {
	conn := mqttbroker.NewConnection(mqttbroker.Key{ProfileID: "p1", Host: "mqtt.example", Port: 443},
		mqttbroker.Config{Host: "mqtt.example", Port: 443, ClientID: "test"}, zap.NewNop())

	var seen []string
	d := mqttbroker.NewDiscovery(conn, zap.NewNop())
	d.OnUnknownDevice = func(deviceID string) { seen = append(seen, deviceID) }

	env, err := wire.Build(wire.NamespaceSystemAll, wire.MethodPush, map[string]any{}, "", "/appliance/dev1/publish")
	require.NoError(t, err)

	d.Observe("dev1", env)
	d.Observe("dev1", env) // second sighting must not re-fire
	require.Equal(t, []string{"dev1"}, seen)
}

func TestDiscoveryCollectsBothPayloadsBeforeReporting(t *testing.T) {
	conn := mqttbroker.NewConnection(mqttbroker.Key{ProfileID: "p1", Host: "mqtt.example", Port: 443},
		mqttbroker.Config{Host: "mqtt.example", Port: 443, ClientID: "test"}, zap.NewNop())

	d := mqttbroker.NewDiscovery(conn, zap.NewNop())
	var discovered []mqttbroker.DiscoveredPayload
	d.OnDiscovered = func(deviceID string, p mqttbroker.DiscoveredPayload) { discovered = append(discovered, p) }

	allEnv, err := wire.Build(wire.NamespaceSystemAll, wire.MethodGetAck, map[string]any{"system": 1}, "", "/appliance/dev1/publish")
	require.NoError(t, err)
	d.Observe("dev1", allEnv)
	require.Empty(t, discovered, "must not report until both payloads are present")

	abilityEnv, err := wire.Build(wire.NamespaceSystemAbility, wire.MethodGetAck, map[string]any{"Ability": map[string]any{}}, "", "/appliance/dev1/publish")
	require.NoError(t, err)
	d.Observe("dev1", abilityEnv)

	require.Len(t, discovered, 1)
	require.JSONEq(t, `{"system":1}`, string(discovered[0].All))
	require.JSONEq(t, `{"Ability":{}}`, string(discovered[0].Ability))
}

func TestDiscoveryResolvedStopsTracking(t *testing.T) {
	conn := mqttbroker.NewConnection(mqttbroker.Key{ProfileID: "p1", Host: "mqtt.example", Port: 443},
		mqttbroker.Config{Host: "mqtt.example", Port: 443, ClientID: "test"}, zap.NewNop())
	d := mqttbroker.NewDiscovery(conn, zap.NewNop())

	env, _ := wire.Build(wire.NamespaceSystemAll, wire.MethodPush, map[string]any{}, "", "/appliance/dev1/publish")
	var calls int
	d.OnUnknownDevice = func(string) { calls++ }

	d.Observe("dev1", env)
	d.Resolved("dev1")
	d.Observe("dev1", env) // should look unknown again and fire once more
	require.Equal(t, 2, calls)
}
