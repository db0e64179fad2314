package cmd

import (
	"github.com/spf13/pflag"

	"github.com/braidmesh/braid-gossip/config"
)

// defaultConfig returns the embedded defaults, used as flag defaults.
func defaultConfig() *config.Config {
	cfg, err := config.DefaultConfig()
	if err != nil {
		// the default config is embedded in the binary
		panic(err)
	}
	return cfg
}

// loadConfig layers the config file named by --config, the environment and the flags over
// the defaults.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}
	if flagConfig != "" {
		if err := loader.ReadFile(flagConfig); err != nil {
			return nil, err
		}
	}
	if err := loader.BindFlags(flags); err != nil {
		return nil, err
	}
	return loader.Load()
}
