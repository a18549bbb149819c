package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"wsrpc/client"
	"wsrpc/loadbalance"
	"wsrpc/registry"
	"wsrpc/resolver"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		url       string
		token     string
		mapping   string
		balancer  string
		streaming bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <Service.method> [param...]",
		Short: "Call a method and print the JSON result",
		Long: `Call a method with positional params. Each param is parsed as JSON and
sent as a plain string when it is not valid JSON. With --stream every item
is printed on its own line until the stream ends.

Without --url and with registry endpoints configured, the instance is
discovered in etcd and picked with --balancer.`,
		Example: `  wsrpc call Calc.add 2 3
  wsrpc call --stream Calc.range 0 5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			r, err := a.resolver(mapping)
			if err != nil {
				return fmt.Errorf("failed to load mapping: %w", err)
			}
			cli, err := a.client(ctx, url, token, balancer, r)
			if err != nil {
				return err
			}
			defer cli.Close()

			params := parseParams(args[1:])
			out := cmd.OutOrStdout()
			if !streaming {
				var result json.RawMessage
				if err := cli.Call(ctx, args[0], &result, params...); err != nil {
					return err
				}
				if len(result) == 0 {
					result = json.RawMessage("null")
				}
				fmt.Fprintln(out, string(result))
				return nil
			}

			sub, err := cli.Stream(ctx, args[0], params...)
			if err != nil {
				return err
			}
			for item, err := range sub.All(ctx) {
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(item))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "endpoint to dial (default from config url)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token sent at the handshake")
	cmd.Flags().StringVar(&mapping, "mapping", "", "mapping file (default obfuscation.mapping_file)")
	cmd.Flags().StringVar(&balancer, "balancer", "round_robin", "round_robin, weighted_random or consistent_hash")
	cmd.Flags().BoolVar(&streaming, "stream", false, "open a stream instead of a unary call")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}

// client dials url, or discovers through etcd when no url is given and a
// registry is configured. An obfuscated mapping missing locally is fetched
// from the registry.
func (a *app) client(ctx context.Context, url, token, balancer string, r *resolver.Resolver) (*client.Client, error) {
	opts := []client.Option{client.WithConfig(a.cfg), client.WithLogger(a.log), client.WithResolver(r)}
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}

	etcd, err := a.etcd()
	if err != nil {
		return nil, fmt.Errorf("failed to connect registry: %w", err)
	}
	if etcd != nil && r.Enabled() && r.Len() == 0 {
		store := registry.NewMappingStore(etcd.Client(), a.cfg.Registry.MappingKey, a.log)
		if err := store.Sync(ctx, r); err != nil {
			etcd.Close()
			return nil, fmt.Errorf("failed to fetch mapping: %w", err)
		}
	}

	if url != "" || etcd == nil {
		if etcd != nil {
			etcd.Close()
		}
		if url == "" {
			url = a.cfg.URL
		}
		return client.Dial(ctx, url, opts...)
	}

	bal, err := loadbalance.New(balancer)
	if err != nil {
		etcd.Close()
		return nil, err
	}
	return client.New(etcd, bal, opts...), nil
}

// parseParams decodes each argument as JSON, falling back to the raw string.
func parseParams(args []string) []any {
	params := make([]any, len(args))
	for i, arg := range args {
		var v any
		if err := sonic.ConfigStd.UnmarshalFromString(arg, &v); err != nil {
			v = arg
		}
		params[i] = v
	}
	return params
}
