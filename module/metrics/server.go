package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/module/component"
	"github.com/braidmesh/braid-gossip/module/irrecoverable"
)

const shutdownTimeout = 5 * time.Second

// Server is the http server that will be serving the /metrics request for prometheus
type Server struct {
	*component.ComponentManager
	log    zerolog.Logger
	server *http.Server
	addr   string
	// set before the component becomes ready
	listenAddr net.Addr
}

// NewServer creates a new server that will listen on the address once started,
// and responds to only the `/metrics` endpoint
func NewServer(log zerolog.Logger, addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	endpoint := "/metrics"
	mux.Handle(endpoint, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	m := &Server{
		log:    log.With().Str("component", "metrics_server").Logger(),
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		addr:   addr,
	}

	m.ComponentManager = component.NewComponentManagerBuilder().
		AddWorker(m.serve).
		Build()

	return m
}

func (m *Server) serve(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		ctx.Throw(fmt.Errorf("could not listen on %s: %w", m.addr, err))
		return
	}
	m.listenAddr = listener.Addr()
	m.log.Info().Str("address", listener.Addr().String()).Msg("metrics server started")
	ready()

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := m.server.Serve(listener); err != nil {
			// http.ErrServerClosed is returned when Close or Shutdown is called
			// we don't consider this an error, so print this with debug level instead
			if errors.Is(err, http.ErrServerClosed) {
				m.log.Debug().Err(err).Msg("metrics server shutdown")
			} else {
				m.log.Err(err).Msg("error running metrics server")
			}
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		_ = m.server.Close()
	}
	// the component is done only once the serving goroutine stopped logging
	<-served
}

// Addr returns the address the server listens on, once it is ready.
func (m *Server) Addr() net.Addr {
	<-m.Ready()
	return m.listenAddr
}
