// Package metrics exposes broker counters in Prometheus text format
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
)

// ServerCallback shuts the metrics endpoint down during cleanup.
type ServerCallback struct {
	srv *http.Server
}

func (sc *ServerCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing metrics endpoint")
	return sc.srv.Shutdown(ctx)
}

// StartServer serves /metrics on the given endpoint. All counters registered
// anywhere in the process through the metrics package are included.
func StartServer(endpoint string) *ServerCallback {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	srv := &http.Server{
		Addr:              endpoint,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Metrics endpoint error: %v", err)
		}
	}()

	logger.InfoF("Metrics endpoint available on %s/metrics", endpoint)
	return &ServerCallback{srv: srv}
}
