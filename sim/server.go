package sim

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer exposes the metrics gathered by gatherer and the live statistics of a simulation.
// GET /stats returns the result so far along with the allocator and history dumps; ?detailed=true
// adds per-class and per-property breakdowns.
func NewServer(s *Simulation, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		detailed := false
		if raw := r.URL.Query().Get("detailed"); raw != "" {
			value, err := strconv.ParseBool(raw)
			if err != nil {
				http.Error(w, "detailed must be a boolean", http.StatusBadRequest)
				return
			}
			detailed = value
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buildStats(s, detailed))
	})

	return r
}

func buildStats(s *Simulation, detailed bool) []byte {
	serverHistory, clientHistory := s.HistoryStats(detailed)

	writer := jwriter.NewWriter()
	root := writer.Object()

	resultObj := root.Name("Result").Object()
	s.Result().PrintJson(&resultObj)
	resultObj.End()

	root.Name("Allocator").Raw([]byte(s.AllocatorStats(detailed)))
	historiesObj := root.Name("Histories").Object()
	historiesObj.Name("server").Raw([]byte(serverHistory))
	historiesObj.Name("client").Raw([]byte(clientHistory))
	historiesObj.End()

	root.End()
	return writer.Bytes()
}
