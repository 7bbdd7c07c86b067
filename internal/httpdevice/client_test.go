package httpdevice_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"merosslan/internal/httpdevice"
	"merosslan/internal/wire"
)

func TestBudgetGrowAndTruncate(t *testing.T) {
	b := httpdevice.NewBudget()
	require.Equal(t, 2000, b.Min())
	require.Equal(t, 5000, b.Max())

	b.Grow(3000)
	require.Equal(t, 3000, b.Min())
	b.Grow(1000) // should not shrink
	require.Equal(t, 3000, b.Min())

	b.Truncate(4000)
	require.Equal(t, 3600, b.Max())
	require.LessOrEqual(t, b.Min(), b.Max())
}

func TestBudgetBackoffOnReset(t *testing.T) {
	b := httpdevice.NewBudget()
	b.Truncate(4000) // max=3600, min=2000
	b.BackoffOnReset()
	require.Equal(t, 2800, b.Max())
}

func TestSalvageTruncatedMultipleReply(t *testing.T) {
	raw := []byte(`{"header":{},"payload":{"multiple":[{"header":{"namespace":"a"}},{"header":{"namesp`)
	salvaged, ok := httpdevice.Salvage(raw)
	require.True(t, ok)
	require.True(t, len(salvaged) < len(raw))
	require.Contains(t, string(salvaged), `]}}`)
}

func TestSalvageNoBoundaryFound(t *testing.T) {
	_, ok := httpdevice.Salvage([]byte(`{"incomplete`))
	require.False(t, ok)
}

func TestRequestRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env, err := wire.Build(wire.NamespaceSystemAll, wire.MethodGetAck, map[string]string{"ok": "1"}, "key", "/appliance/dev1/publish")
		require.NoError(t, err)
		body, err := wire.Marshal(env)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	logger := zap.NewNop()
	budget := httpdevice.NewBudget()
	client := httpdevice.New(srv.Listener.Addr().String(), "key", "/app/self/publish", budget, httpdevice.DefaultConfig(), logger)

	reply, err := client.Request(context.Background(), wire.NamespaceSystemAll, wire.MethodGet, map[string]any{}, 1)
	require.NoError(t, err)
	require.Equal(t, wire.MethodGetAck, reply.Header.Method)
}

func TestRequestServerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := zap.NewNop()
	budget := httpdevice.NewBudget()
	client := httpdevice.New(srv.Listener.Addr().String(), "key", "/app/self/publish", budget, httpdevice.DefaultConfig(), logger)

	_, err := client.Request(context.Background(), wire.NamespaceSystemAll, wire.MethodGet, map[string]any{}, 1)
	require.Error(t, err)
}
