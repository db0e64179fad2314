package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/braidmesh/braid-gossip/utils/logging"
)

// EtcdRendezvous registers the node's address in etcd under a lease and reports every other
// node registered under the same prefix, both those present at startup and those arriving later.
type EtcdRendezvous struct {
	log     zerolog.Logger
	cfg     EtcdConfig
	self    func() peer.AddrInfo
	handler PeerHandler

	client  *clientv3.Client
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Service = (*EtcdRendezvous)(nil)

// NewEtcdRendezvous returns a rendezvous service. self is called at startup to learn the address to
// register.
func NewEtcdRendezvous(log zerolog.Logger, cfg EtcdConfig, self func() peer.AddrInfo, handler PeerHandler) *EtcdRendezvous {
	return &EtcdRendezvous{
		log:     log.With().Str("component", "etcd_discovery").Str("prefix", cfg.Prefix).Logger(),
		cfg:     cfg,
		self:    self,
		handler: handler,
	}
}

func (e *EtcdRendezvous) Start(ctx context.Context) error {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   e.cfg.Endpoints,
		DialTimeout: e.cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("could not create etcd client: %w", err)
	}
	e.client = client

	self := e.self()
	record, err := EncodeRecord(self)
	if err != nil {
		_ = client.Close()
		return err
	}

	lease, err := client.Grant(ctx, ttlSeconds(e.cfg.TTL))
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("could not grant etcd lease: %w", err)
	}
	e.leaseID = lease.ID

	if _, err := client.Put(ctx, RecordKey(e.cfg.Prefix, self.ID), string(record), clientv3.WithLease(lease.ID)); err != nil {
		_ = client.Close()
		return fmt.Errorf("could not register in etcd: %w", err)
	}

	existing, err := client.Get(ctx, prefixKey(e.cfg.Prefix), clientv3.WithPrefix())
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("could not list etcd peers: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	keepAlive, err := client.KeepAlive(runCtx, lease.ID)
	if err != nil {
		cancel()
		_ = client.Close()
		return fmt.Errorf("could not keep etcd lease alive: %w", err)
	}

	for _, kv := range existing.Kvs {
		e.handleRecord(self.ID, kv.Key, kv.Value)
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		// the channel must be drained for the lease to be renewed
		for range keepAlive {
		}
		if runCtx.Err() == nil {
			e.log.Warn().Msg("etcd lease keep-alive stopped, registration will expire")
		}
	}()
	go func() {
		defer e.wg.Done()
		watch := client.Watch(runCtx, prefixKey(e.cfg.Prefix), clientv3.WithPrefix(), clientv3.WithRev(existing.Header.Revision+1))
		for resp := range watch {
			if err := resp.Err(); err != nil {
				e.log.Warn().Err(err).Msg("etcd watch failed")
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				e.handleRecord(self.ID, ev.Kv.Key, ev.Kv.Value)
			}
		}
	}()

	e.log.Info().Str("peer_id", logging.PeerID(self.ID)).Int("known_peers", len(existing.Kvs)).Msg("registered in etcd")
	return nil
}

func (e *EtcdRendezvous) handleRecord(self peer.ID, key, value []byte) {
	info, err := DecodeRecord(value)
	if err != nil {
		e.log.Warn().Err(err).Str("key", string(key)).Msg("ignoring invalid etcd peer record")
		return
	}
	if info.ID == self {
		return
	}
	e.log.Debug().Str("peer_id", logging.PeerID(info.ID)).Msg("found peer through etcd")
	e.handler(info)
}

// Close revokes the registration and stops watching.
func (e *EtcdRendezvous) Close() error {
	if e.client == nil {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DialTimeout)
	defer cancel()
	_, revokeErr := e.client.Revoke(ctx, e.leaseID)

	closeErr := e.client.Close()
	e.wg.Wait()

	if revokeErr != nil {
		return fmt.Errorf("could not revoke etcd lease: %w", revokeErr)
	}
	return closeErr
}

// RecordKey is the etcd key a peer registers under.
func RecordKey(prefix string, id peer.ID) string {
	return prefixKey(prefix) + id.String()
}

func prefixKey(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/"
}

// EncodeRecord serializes the address a peer registers.
func EncodeRecord(info peer.AddrInfo) ([]byte, error) {
	data, err := info.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("could not encode peer record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a registered address.
func DecodeRecord(data []byte) (peer.AddrInfo, error) {
	var info peer.AddrInfo
	if err := info.UnmarshalJSON(data); err != nil {
		return peer.AddrInfo{}, fmt.Errorf("could not decode peer record: %w", err)
	}
	if info.ID == "" {
		return peer.AddrInfo{}, fmt.Errorf("peer record has no id")
	}
	return info, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
