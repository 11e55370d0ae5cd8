package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxloop/internal/health"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/transport"
)

var errStreamFailed = errors.New("stream closed after a failure")

// debugHandler serves /metrics, the probe endpoints and /status.
func (a *App) debugHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(a.checkers(), health.WithStatus(a.machine.Status)).Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// checkers returns the readiness probes for the configured transports.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if a.client != nil {
		cs = append(cs, health.Checker{Name: "agent", Check: a.client.Ping})
	}
	if a.stream != nil {
		s := a.stream
		cs = append(cs, health.Checker{Name: "stream", Check: func(context.Context) error {
			if s.State() == transport.Closed && s.Err() != nil {
				return errors.Join(errStreamFailed, s.Err())
			}
			return nil
		}})
	}
	return cs
}
