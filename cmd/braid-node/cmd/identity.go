package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/braidmesh/braid-gossip/config"
	"github.com/braidmesh/braid-gossip/model/identity"
)

var flagExport bool

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print the peer id a node runs with",
	Long: `Print the peer id derived from the node name, or from the identity override. With --export,
also print the private key in the hex format accepted by --identity.`,
	RunE: printIdentity,
}

func init() {
	rootCmd.AddCommand(identityCmd)
	config.InitializeIdentityFlags(identityCmd.Flags(), defaultConfig())
	identityCmd.Flags().BoolVar(&flagExport, "export", false, "also print the private key")
}

func printIdentity(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	nodeCfg, err := cfg.ToNodeConfig(log)
	if err != nil {
		return err
	}

	id := identity.Resolve(nodeCfg.Name)
	if len(nodeCfg.IdentityOverride) > 0 {
		id, err = identity.ResolveOverride(nodeCfg.IdentityOverride)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, id.ID().String())
	if flagExport {
		raw, err := id.MarshalPrivateKey()
		if err != nil {
			return fmt.Errorf("could not export private key: %w", err)
		}
		fmt.Fprintln(out, hex.EncodeToString(raw))
	}
	return nil
}
