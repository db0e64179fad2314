package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/codec"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
	"github.com/braidmesh/braid-gossip/utils/logging"
)

// route is one endpoint of the bridge.
type route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

// modelError is the body of every error response.
type modelError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type nodeInfo struct {
	ID            string             `json:"id"`
	Addresses     []string           `json:"addresses"`
	Subscriptions []subscriptionInfo `json:"subscriptions"`
}

type subscriptionInfo struct {
	Path           string   `json:"path"`
	Topic          string   `json:"topic"`
	Status         string   `json:"status"`
	BootstrapPeers []string `json:"bootstrap_peers"`
	Clients        int      `json:"clients"`
}

func (b *Bridge) newRouter() *mux.Router {
	router := mux.NewRouter().StrictSlash(false)
	router.Use(loggingMiddleware(b.log))
	router.Use(metricsMiddleware(b.metrics))

	// the subscription route is registered first so it wins over the document catch-all
	for _, r := range b.routes() {
		router.
			Methods(r.Method).
			Path(r.Pattern).
			Name(r.Name).
			Handler(r.HandlerFunc)
	}
	return router
}

func (b *Bridge) routes() []route {
	return []route{
		{
			Name:        "NodeGet",
			Method:      http.MethodGet,
			Pattern:     "/node",
			HandlerFunc: b.getNode,
		},
		{
			Name:        "SubscriptionDelete",
			Method:      http.MethodDelete,
			Pattern:     "/docs/{path:.+}/subscription",
			HandlerFunc: b.deleteSubscription,
		},
		{
			Name:        "DocumentGet",
			Method:      http.MethodGet,
			Pattern:     "/docs/{path:.+}",
			HandlerFunc: b.getDocument,
		},
		{
			Name:        "DocumentPut",
			Method:      http.MethodPut,
			Pattern:     "/docs/{path:.+}",
			HandlerFunc: b.putDocument,
		},
	}
}

// documentPath maps the URL of a document to its path: /docs/notes/a is the document /notes/a.
func documentPath(r *http.Request) string {
	return "/" + mux.Vars(r)["path"]
}

// bootstrapPeers reads the peers a client suggests for joining the document, from Peer headers
// and peer query parameters.
func bootstrapPeers(r *http.Request) ([]network.PeerAddress, error) {
	var raw []string
	raw = append(raw, r.Header.Values(headerPeer)...)
	raw = append(raw, r.URL.Query()["peer"]...)
	if len(raw) == 0 {
		return nil, nil
	}
	return network.ParsePeerAddresses(raw)
}

func (b *Bridge) getNode(w http.ResponseWriter, r *http.Request) {
	errorLogger := b.log.With().Str("request_url", r.URL.String()).Logger()

	info := nodeInfo{
		ID:            b.node.ID().String(),
		Addresses:     network.PeerAddressStrings(b.node.Address()),
		Subscriptions: []subscriptionInfo{},
	}
	for _, sub := range b.node.Subscriptions() {
		clients := 0
		if f := b.existingFeed(sub.Path()); f != nil && f.sub == sub {
			clients = f.clientCount()
		}
		info.Subscriptions = append(info.Subscriptions, subscriptionInfo{
			Path:           sub.Path(),
			Topic:          sub.Topic().String(),
			Status:         sub.Status().String(),
			BootstrapPeers: logging.AddrInfos(sub.Bootstrap()),
			Clients:        clients,
		})
	}
	b.jsonResponse(w, http.StatusOK, info, errorLogger)
}

func (b *Bridge) getDocument(w http.ResponseWriter, r *http.Request) {
	path := documentPath(r)
	errorLogger := b.log.With().Str("request_url", r.URL.String()).Str("path", path).Logger()

	if isSubscribe(r) {
		b.streamDocument(w, r, path, errorLogger)
		return
	}

	if err := channels.ValidatePath(path); err != nil {
		b.errorResponse(w, http.StatusBadRequest, err.Error(), errorLogger)
		return
	}
	f := b.existingFeed(path)
	if f == nil {
		b.errorResponse(w, http.StatusNotFound, "document is not tracked, subscribe to it first", errorLogger)
		return
	}
	frame := f.latestFrame()
	if frame == nil {
		b.errorResponse(w, http.StatusNotFound, "no version of the document has been received yet", errorLogger)
		return
	}

	h := w.Header()
	h.Set(headerVersion, Version(frame))
	h.Set(headerOrigin, frame.Origin.String())
	h.Set("Content-Length", strconv.Itoa(len(frame.Payload)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(frame.Payload); err != nil {
		errorLogger.Debug().Err(err).Msg("failed to write document")
	}
}

// streamDocument answers a Braid subscription: the latest known version, if any, followed by
// every update until the client disconnects, falls behind or the bridge shuts down.
func (b *Bridge) streamDocument(w http.ResponseWriter, r *http.Request, path string, errorLogger zerolog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		b.errorResponse(w, http.StatusInternalServerError, "streaming is not supported", errorLogger)
		return
	}
	bootstrap, err := bootstrapPeers(r)
	if err != nil {
		b.errorResponse(w, http.StatusBadRequest, err.Error(), errorLogger)
		return
	}

	f, err := b.feedFor(r.Context(), path, bootstrap)
	if err != nil {
		b.errorFromNode(w, err, errorLogger)
		return
	}
	c, ok := f.join()
	if !ok {
		b.errorResponse(w, http.StatusServiceUnavailable, "document subscription has ended", errorLogger)
		return
	}
	defer f.leave(c)

	b.metrics.StreamOpened()
	defer b.metrics.StreamClosed()

	h := w.Header()
	h.Set(headerSubscribe, "true")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(StatusSubscription)
	flusher.Flush()

	out := bufio.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-b.ShutdownSignal():
			return
		case frame, ok := <-c.updates:
			if !ok {
				if f.isEvicted(c) {
					errorLogger.Warn().Msg("client fell behind, closing stream")
				}
				return
			}
			if err := writeUpdate(out, frame); err != nil {
				errorLogger.Debug().Err(err).Msg("failed to write update, closing stream")
				return
			}
			flusher.Flush()
		}
	}
}

// putDocument publishes the request body as a new version of the document, subscribing the
// node to the document first if needed. Clients streaming the document from this bridge
// receive the new version too.
func (b *Bridge) putDocument(w http.ResponseWriter, r *http.Request) {
	path := documentPath(r)
	errorLogger := b.log.With().Str("request_url", r.URL.String()).Str("path", path).Logger()

	bootstrap, err := bootstrapPeers(r)
	if err != nil {
		b.errorResponse(w, http.StatusBadRequest, err.Error(), errorLogger)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			b.errorResponse(w, http.StatusRequestEntityTooLarge, "document update is too large", errorLogger)
			return
		}
		b.errorResponse(w, http.StatusBadRequest, "could not read request body", errorLogger)
		return
	}

	f, err := b.feedFor(r.Context(), path, bootstrap)
	if err != nil {
		b.errorFromNode(w, err, errorLogger)
		return
	}
	frame, err := b.node.Publish(r.Context(), path, body)
	if err != nil {
		b.errorFromNode(w, err, errorLogger)
		return
	}
	f.publish(frame)

	w.Header().Set(headerVersion, Version(frame))
	w.WriteHeader(http.StatusOK)
}

func (b *Bridge) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	path := documentPath(r)
	errorLogger := b.log.With().Str("request_url", r.URL.String()).Str("path", path).Logger()

	if err := b.node.Unsubscribe(path); err != nil {
		b.errorFromNode(w, err, errorLogger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorFromNode maps an error of the node to a response status.
func (b *Bridge) errorFromNode(w http.ResponseWriter, err error, logger zerolog.Logger) {
	switch {
	case channels.IsInvalidPathErr(err):
		b.errorResponse(w, http.StatusBadRequest, err.Error(), logger)
	case errors.Is(err, subscription.ErrNotSubscribed):
		b.errorResponse(w, http.StatusNotFound, err.Error(), logger)
	case errors.Is(err, codec.ErrFrameTooLarge):
		b.errorResponse(w, http.StatusRequestEntityTooLarge, err.Error(), logger)
	case network.IsTimeoutErr(err):
		b.errorResponse(w, http.StatusGatewayTimeout, err.Error(), logger)
	case subscription.IsJoinFailedErr(err):
		b.errorResponse(w, http.StatusBadGateway, err.Error(), logger)
	case errors.Is(err, subscription.ErrManagerClosed), errors.Is(err, ErrBridgeClosed):
		b.errorResponse(w, http.StatusServiceUnavailable, err.Error(), logger)
	default:
		logger.Error().Err(err).Msg("unexpected error")
		b.errorResponse(w, http.StatusInternalServerError, "internal error", logger)
	}
}

func (b *Bridge) jsonResponse(w http.ResponseWriter, code int, payload interface{}, errorLogger zerolog.Logger) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		errorLogger.Error().Err(err).Msg("failed to encode response")
		b.errorResponse(w, http.StatusInternalServerError, "error generating response", errorLogger)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	if _, err := w.Write(encoded); err != nil {
		errorLogger.Error().Err(err).Msg("failed to write response")
	}
}

// errorResponse sends an HTTP error response to the client with the given return code and a model error with the given
// response message in the response body
func (b *Bridge) errorResponse(w http.ResponseWriter, returnCode int, responseMessage string, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(returnCode)
	encodedError, err := json.Marshal(modelError{
		Code:    returnCode,
		Message: responseMessage,
	})
	if err != nil {
		logger.Error().Str("response_message", responseMessage).Msg("failed to json encode error message")
		return
	}
	if _, err := w.Write(encodedError); err != nil {
		logger.Error().Err(err).Msg("failed to send error response")
	}
}
