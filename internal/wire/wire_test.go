package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"merosslan/internal/wire"
)

func TestBuildSignRoundTrip(t *testing.T) {
	env, err := wire.Build(wire.NamespaceSystemAll, wire.MethodGet, map[string]any{}, "secret-key", "/app/self/publish")
	require.NoError(t, err)
	require.True(t, wire.Verify(env.Header, "secret-key"))
	require.False(t, wire.Verify(env.Header, "wrong-key"))

	body, err := wire.Marshal(env)
	require.NoError(t, err)

	decoded, err := wire.Parse(body)
	require.NoError(t, err)
	require.Equal(t, env.Header, decoded.Header)
	require.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

func TestDeviceIDFromFrom(t *testing.T) {
	require.Equal(t, "abc123", wire.DeviceIDFromFrom("/appliance/abc123/publish"))
	require.Equal(t, "", wire.DeviceIDFromFrom("garbage"))
}

func TestReplyAndSubscribeTopics(t *testing.T) {
	require.Equal(t, "/appliance/abc/publish", wire.ReplyTopic("abc"))
	require.Equal(t, "/appliance/abc/subscribe", wire.SubscribeTopic("abc"))
}

func TestErrorCode(t *testing.T) {
	env := wire.Envelope{
		Header:  wire.Header{Method: wire.MethodError},
		Payload: []byte(`{"error":{"code":5001}}`),
	}
	code, ok := env.ErrorCode()
	require.True(t, ok)
	require.Equal(t, wire.ErrorInvalidKey, code)

	env.Header.Method = wire.MethodGetAck
	_, ok = env.ErrorCode()
	require.False(t, ok)
}
