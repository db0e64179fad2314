package proxy

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/braidmesh/braid-gossip/network/codec"
)

const (
	headerSubscribe = "Subscribe"
	headerVersion   = "Version"
	headerOrigin    = "Origin"
	headerPeer      = "Peer"

	// StatusSubscription is the status of a response streaming Braid updates.
	StatusSubscription = 209
)

// Version renders the version of a frame: its origin and ordering token, as a quoted string.
func Version(frame *codec.Frame) string {
	return strconv.Quote(fmt.Sprintf("%s@%d", frame.Origin, frame.Token))
}

// isSubscribe reports whether the request asks for a subscription.
func isSubscribe(r *http.Request) bool {
	v := strings.TrimSpace(r.Header.Get(headerSubscribe))
	return v != "" && !strings.EqualFold(v, "false")
}

// writeUpdate writes one update block of a subscription response:
//
//	Version: "<origin>@<token>"
//	Origin: <origin>
//	Content-Length: <n>
//
//	<payload>
func writeUpdate(w *bufio.Writer, frame *codec.Frame) error {
	if _, err := fmt.Fprintf(w, "%s: %s\r\n%s: %s\r\nContent-Length: %d\r\n\r\n",
		headerVersion, Version(frame),
		headerOrigin, frame.Origin,
		len(frame.Payload)); err != nil {
		return err
	}
	if _, err := w.Write(frame.Payload); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n\r\n"); err != nil {
		return err
	}
	return w.Flush()
}
