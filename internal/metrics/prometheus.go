package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const namespace = "aero_webrtc_signal_relay"

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters are exported as a single metric with an `event` label; each gauge
// becomes its own metric.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		counters := m.Snapshot()
		gauges := m.gaugeFuncs()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		events := namespace + "_events_total"
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", events)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", events)
		for _, k := range sortedKeys(counters) {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", events, labelEscaper.Replace(k), counters[k])
		}

		for _, k := range sortedKeys(gauges) {
			name := namespace + "_" + k
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			_, _ = fmt.Fprintf(w, "%s %g\n", name, gauges[k]())
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
