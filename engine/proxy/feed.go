package proxy

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/network/codec"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
	"github.com/braidmesh/braid-gossip/utils/logging"
)

// client is one HTTP client streaming a path. Its updates channel is closed when the feed ends,
// when the client is evicted for falling behind, or when it leaves.
type client struct {
	updates chan *codec.Frame
	evicted bool
}

// feed fans the updates of one subscription out to the clients streaming its path and
// remembers the latest one.
type feed struct {
	log    zerolog.Logger
	sub    *subscription.Subscription
	buffer int
	quit   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  *codec.Frame
	ended   bool
}

func newFeed(log zerolog.Logger, sub *subscription.Subscription, buffer int) *feed {
	return &feed{
		log:     log.With().Str("path", sub.Path()).Logger(),
		sub:     sub,
		buffer:  buffer,
		quit:    make(chan struct{}),
		clients: make(map[*client]struct{}),
	}
}

// run reads the subscription until it ends or the feed is stopped.
func (f *feed) run() {
	defer f.end()
	updates := f.sub.Updates()
	for {
		select {
		case <-f.quit:
			return
		case frame, ok := <-updates:
			if !ok {
				if err := f.sub.Err(); err != nil {
					f.log.Warn().Err(err).Msg("document subscription failed")
				}
				return
			}
			f.publish(frame)
		}
	}
}

func (f *feed) stop() {
	f.once.Do(func() {
		close(f.quit)
	})
}

// publish records the frame as the latest version and queues it for every client.
// Clients whose queue is full are disconnected.
func (f *feed) publish(frame *codec.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.latest = frame
	for c := range f.clients {
		select {
		case c.updates <- frame:
		default:
			c.evicted = true
			f.removeLocked(c)
			f.log.Warn().
				Str("origin", logging.PeerID(frame.Origin)).
				Msg("disconnecting client that fell behind")
		}
	}
}

// join registers a client. The latest version, if any, is queued first. It returns false
// once the feed has ended.
func (f *feed) join() (*client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return nil, false
	}
	c := &client{updates: make(chan *codec.Frame, f.buffer)}
	if f.latest != nil {
		c.updates <- f.latest
	}
	f.clients[c] = struct{}{}
	return c, true
}

func (f *feed) leave(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(c)
}

// isEvicted reports whether the client was dropped for falling behind.
func (f *feed) isEvicted(c *client) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.evicted
}

func (f *feed) latestFrame() *codec.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *feed) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *feed) removeLocked(c *client) {
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	close(c.updates)
}

func (f *feed) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	for c := range f.clients {
		f.removeLocked(c)
	}
}
