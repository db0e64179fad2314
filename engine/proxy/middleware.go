package proxy

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"github.com/braidmesh/braid-gossip/module"
)

// metricsService labels the proxy requests in the http metrics.
const metricsService = "proxy"

// metricsMiddleware records the duration, response size and concurrency of every request, by
// route name. Update streams last as long as their client and are counted by the stream gauge
// instead.
func metricsMiddleware(collector module.ProxyMetrics) mux.MiddlewareFunc {
	recorder := middleware.New(middleware.Config{
		Recorder: collector,
		Service:  metricsService,
	})
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if isSubscribe(req) {
				handler.ServeHTTP(w, req)
				return
			}
			handlerID := ""
			if route := mux.CurrentRoute(req); route != nil {
				handlerID = route.GetName()
			}
			std.Handler(handlerID, recorder, handler).ServeHTTP(w, req)
		})
	}
}

// loggingMiddleware logs every request with its method, uri, duration and response code.
func loggingMiddleware(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			respWriter := newResponseWriter(w)
			handler.ServeHTTP(respWriter, req)

			log := logger.Debug()
			if respWriter.statusCode >= http.StatusInternalServerError {
				log = logger.Error()
			}
			log.Str("method", req.Method).
				Str("uri", req.RequestURI).
				Str("client_ip", req.RemoteAddr).
				Str("user_agent", req.UserAgent()).
				Dur("duration", time.Since(start)).
				Int("response_code", respWriter.statusCode).
				Msg("api")
		})
	}
}

// responseWriter is a wrapper around http.ResponseWriter and helps capture the response code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers push update blocks through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
