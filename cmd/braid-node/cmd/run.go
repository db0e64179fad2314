package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/braidmesh/braid-gossip/config"
	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
	"github.com/braidmesh/braid-gossip/node"
	"github.com/braidmesh/braid-gossip/utils/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node until interrupted",
	Long: `Run a node: join the gossip network, subscribe to the startup documents and serve them
over HTTP on the proxy port until SIGINT or SIGTERM.`,
	Example: `  braid-node run --name alice --port 8080 --subscribe /demo-doc
  braid-node run --name bob --port 8081 --bootstrap /ip4/127.0.0.1/tcp/4001/p2p/12D3KooW...`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	config.InitializeFlags(runCmd.Flags(), defaultConfig())
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	nodeCfg, err := cfg.ToNodeConfig(log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.Spawn(ctx, nodeCfg)
	if err != nil {
		return fmt.Errorf("could not start node: %w", err)
	}

	lg := log.With().Str("peer_id", logging.PeerID(n.ID())).Logger()
	ev := lg.Info().
		Str("name", cfg.Node.Name).
		Strs("addresses", network.PeerAddressStrings(n.Address()))
	if addr := n.ProxyAddr(); addr != nil {
		ev = ev.Str("proxy", "http://"+addr.String())
	}
	if addr := n.MetricsAddr(); addr != nil {
		ev = ev.Str("metrics", "http://"+addr.String()+"/metrics")
	}
	ev.Msg("node running")

	bootstrap, err := cfg.BootstrapAddrs()
	if err != nil {
		// validated while loading
		return fmt.Errorf("invalid bootstrap peers: %w", err)
	}
	subscribeStartup(ctx, lg, n, cfg.Node.Subscriptions, bootstrap)

	<-ctx.Done()
	lg.Info().Msg("shutting down")
	if err := n.Shutdown(); err != nil {
		return fmt.Errorf("node did not shut down cleanly: %w", err)
	}
	return nil
}

// subscribeStartup subscribes to the startup documents. With the proxy enabled the bridge
// reads their updates and serves them; otherwise updates are logged. A document that cannot be
// joined is logged and skipped.
func subscribeStartup(ctx context.Context, log zerolog.Logger, n *node.Node, paths []string, bootstrap []network.PeerAddress) {
	for _, path := range paths {
		lg := log.With().Str("path", path).Logger()

		if bridge := n.Bridge(); bridge != nil {
			if err := bridge.Track(ctx, path, bootstrap); err != nil {
				lg.Warn().Err(err).Msg("could not subscribe to document")
				continue
			}
			lg.Info().Msg("serving document")
			continue
		}

		sub, err := n.Subscribe(ctx, path, bootstrap)
		if err != nil {
			lg.Warn().Err(err).Msg("could not subscribe to document")
			continue
		}
		go logUpdates(lg, sub)
	}
}

func logUpdates(log zerolog.Logger, sub *subscription.Subscription) {
	for frame := range sub.Updates() {
		log.Info().
			Str("origin", logging.PeerID(frame.Origin)).
			Uint64("token", frame.Token).
			Int("size", len(frame.Payload)).
			Msg("document update received")
	}
	if err := sub.Err(); err != nil {
		log.Warn().Err(err).Msg("document subscription failed")
	}
}
