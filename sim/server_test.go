package sim_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MergHQ/netsync/sim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func readyServer(t *testing.T) (*sim.Simulation, http.Handler) {
	registry := prometheus.NewRegistry()
	scenario := sim.DefaultScenario()
	scenario.Loss = 0

	s, err := sim.New(testLogger(), scenario, registry)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	for i := 0; i < 150; i++ {
		require.NoError(t, s.Step())
	}
	return s, sim.NewServer(s, registry)
}

func get(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))
	return recorder
}

func TestServerStats(t *testing.T) {
	s, handler := readyServer(t)

	recorder := get(t, handler, "/stats?detailed=true")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	var stats struct {
		Result struct {
			Session string
			Ticks   int
			Peers   []struct {
				Name  string
				State string
			}
		}
		Allocator struct {
			Name    string
			Classes []json.RawMessage
		}
		Histories map[string]struct {
			Name       string
			Properties []json.RawMessage
		}
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &stats))

	require.Equal(t, s.Session().String(), stats.Result.Session)
	require.Equal(t, 150, stats.Result.Ticks)
	require.Len(t, stats.Result.Peers, 2)
	require.Equal(t, "InGame", stats.Result.Peers[0].State)
	require.Equal(t, "sim", stats.Allocator.Name)
	require.NotEmpty(t, stats.Allocator.Classes)
	require.Equal(t, "server", stats.Histories["server"].Name)
	require.Len(t, stats.Histories["client"].Properties, sim.DefaultScenario().Properties)
}

func TestServerRejectsBadDetailedFlag(t *testing.T) {
	_, handler := readyServer(t)

	recorder := get(t, handler, "/stats?detailed=maybe")
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestServerMetricsAndHealth(t *testing.T) {
	_, handler := readyServer(t)

	recorder := get(t, handler, "/metrics")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "netsync_sim_ticks_total 150")
	require.Contains(t, recorder.Body.String(), `netsync_history_sends_total{history="server"}`)

	recorder = get(t, handler, "/health")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.JSONEq(t, `{"status":"ok"}`, recorder.Body.String())
}
