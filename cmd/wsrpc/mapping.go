package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wsrpc/registry"
	"wsrpc/resolver"
)

func newMappingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Generate and share obfuscation mappings",
	}

	var out string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate the mapping of the demo services and write it to a file",
		Long: `Generate wire identifiers for the demo services with the configured
obfuscation strategy. The file format follows the extension: .yaml/.yml or
JSON otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.cfg.ResolverOptions(a.log)
			opts.Enabled = true
			r := resolver.New(opts)
			if err := r.Generate(calcService().Descriptor()); err != nil {
				return err
			}
			if err := resolver.SaveTable(out, r.Export()); err != nil {
				return fmt.Errorf("failed to write mapping: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mapping with %d methods written to %s.\n", r.Len(), out)
			return nil
		},
	}
	generate.Flags().StringVarP(&out, "out", "o", "mapping.yaml", "output file")

	var in string
	publish := &cobra.Command{
		Use:   "publish",
		Short: "Publish a mapping file to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolver.LoadTable(in)
			if err != nil {
				return err
			}
			etcd, err := a.etcd()
			if err != nil {
				return fmt.Errorf("failed to connect registry: %w", err)
			}
			if etcd == nil {
				return fmt.Errorf("no registry endpoints configured")
			}
			defer etcd.Close()

			store := registry.NewMappingStore(etcd.Client(), a.cfg.Registry.MappingKey, a.log)
			if err := store.Publish(cmd.Context(), t); err != nil {
				return err
			}
			a.log.Debug("mapping published", zap.String("file", in))
			fmt.Fprintf(cmd.OutOrStdout(), "Mapping %s published under %s.\n", in, a.cfg.Registry.MappingKey)
			return nil
		},
	}
	publish.Flags().StringVarP(&in, "file", "f", "mapping.yaml", "mapping file to publish")

	cmd.AddCommand(generate, publish)
	return cmd
}
