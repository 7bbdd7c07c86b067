package status_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"merosslan/internal/events"
	"merosslan/internal/status"
)

func TestHealthzAndStatusEndpoints(t *testing.T) {
	snapshot := func() []status.DeviceSnapshot {
		return []status.DeviceSnapshot{{ID: "dev1", Online: true, Protocol: "http"}}
	}
	srv := status.New("127.0.0.1:0", snapshot, events.NewBus(), zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	require.Equal(t, http.StatusOK, healthResp.StatusCode)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []status.DeviceSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "dev1", got[0].ID)
}
