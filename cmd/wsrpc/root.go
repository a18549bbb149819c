package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wsrpc/config"
	"wsrpc/registry"
	"wsrpc/resolver"
)

// app is the state shared by every subcommand, filled in PersistentPreRunE.
type app struct {
	cfgFile  string
	logLevel string

	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "wsrpc",
		Short: "wsrpc: RPC over WebSocket with multiplexed streams",
		Long: `wsrpc serves and calls services over a single WebSocket per peer.
Unary calls and streams share the connection; service and method names can
travel as obfuscated identifiers from a shared mapping.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			log, err := cfg.Log.Build()
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			log.Debug("config loaded", zap.Stringer("config", cfg))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "wsrpc.yaml", "config file; missing means defaults")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(newServeCmd(a), newCallCmd(a), newMappingCmd(a))
	return root
}

// etcd connects to the configured registry, or returns nil when none is set.
func (a *app) etcd() (*registry.EtcdRegistry, error) {
	if len(a.cfg.Registry.Endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(a.cfg.Registry.Endpoints, a.cfg.Registry.DialTimeout, a.log)
}

// resolver builds the configured resolver and loads the mapping from path
// (or the configured mapping file) when obfuscation is enabled.
func (a *app) resolver(path string) (*resolver.Resolver, error) {
	r := resolver.New(a.cfg.ResolverOptions(a.log))
	if !a.cfg.Obfuscation.Enabled {
		return r, nil
	}
	if path == "" {
		path = a.cfg.Obfuscation.MappingFile
	}
	if path == "" {
		return r, nil
	}
	t, err := resolver.LoadTable(path)
	if err != nil {
		return nil, err
	}
	if err := r.Import(t); err != nil {
		return nil, err
	}
	return r, nil
}
