// mcache is a small command line tool for poking at a memcache pool.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropbox/mcache/config"
	"github.com/dropbox/mcache/errors"
	"github.com/dropbox/mcache/memcache"
)

var (
	configPath string
	servers    string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", errors.GetMessage(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcache",
		Short:         "mcache - sharded memcache client",
		Long:          "A diagnostic CLI which talks to a memcache pool through the sharded client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&servers, "servers", "", "Comma separated server list (overrides the config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		getCmd(),
		storeCmd("set"),
		storeCmd("add"),
		storeCmd("replace"),
		concatCmd("append"),
		concatCmd("prepend"),
		counterCmd("incr"),
		counterCmd("decr"),
		deleteCmd(),
		touchCmd(),
		versionCmd(),
		flushCmd(),
		statusCmd(),
	)
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &config.Config{}
		cfg.ApplyEnv(os.LookupEnv)
	}

	if servers != "" {
		cfg.Servers = config.SplitServers(servers)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	parsed, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parsed})
	return slog.New(handler), nil
}

func newClient() (*memcache.ShardedClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	options, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	options.Logger, err = newLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	return memcache.NewClient(cfg.Servers, options)
}

// Prints the outcome and converts errors into the command's error.
func report(out io.Writer, resp memcache.Response) error {
	if err := resp.Error(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (server %s)\n", resp.Status(), resp.ServerAddress())
	return nil
}

func parseUint32(name string, value string) (uint32, error) {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "Invalid %s %q", name, value)
	}
	return uint32(v), nil
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key> [<key>...]",
		Short: "Get one or more entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			results := client.GetMulti(args)

			keys := make([]string, 0, len(results))
			for key := range results {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			var firstErr error
			for _, key := range keys {
				resp := results[key]
				if err := resp.Error(); err != nil {
					fmt.Fprintf(out, "%s: ERROR %s\n", key, errors.GetMessage(err))
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				if resp.Status() != memcache.StatusNoError {
					fmt.Fprintf(out, "%s: %s\n", key, resp.Status())
					continue
				}
				fmt.Fprintf(
					out,
					"%s: flags=%d cas=%d value=%q\n",
					key,
					resp.Flags(),
					resp.DataVersionId(),
					resp.Value())
			}
			return firstErr
		},
	}
}

func storeCmd(op string) *cobra.Command {
	var (
		flags      uint32
		expiration uint32
		cas        uint64
	)

	cmd := &cobra.Command{
		Use:   op + " <key> <value>",
		Short: "Store an entry (" + op + ")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			item := &memcache.Item{
				Key:           args[0],
				Value:         []byte(args[1]),
				Flags:         flags,
				Expiration:    expiration,
				DataVersionId: cas,
			}

			var resp memcache.MutateResponse
			switch op {
			case "add":
				resp = client.Add(item)
			case "replace":
				resp = client.Replace(item)
			default:
				resp = client.Set(item)
			}
			return report(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().Uint32Var(&flags, "flags", 0, "Opaque client flags (0x10000 compresses the value)")
	cmd.Flags().Uint32Var(&expiration, "exp", 0, "Expiration in seconds (or unix timestamp)")
	if op != "add" {
		cmd.Flags().Uint64Var(&cas, "cas", 0, "Only store if the entry's cas matches")
	}
	return cmd
}

func concatCmd(op string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <key> <value>",
		Short: "Add bytes to an existing entry (" + op + ")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			var resp memcache.MutateResponse
			if op == "append" {
				resp = client.Append(args[0], []byte(args[1]))
			} else {
				resp = client.Prepend(args[0], []byte(args[1]))
			}
			return report(cmd.OutOrStdout(), resp)
		},
	}
}

func counterCmd(op string) *cobra.Command {
	var (
		initial    uint64
		expiration uint32
	)

	cmd := &cobra.Command{
		Use:   op + " <key> [<delta>]",
		Short: "Change a counter (" + op + ")",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta := uint64(1)
			if len(args) == 2 {
				var err error
				delta, err = strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return errors.Wrapf(err, "Invalid delta %q", args[1])
				}
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			seed := cmd.Flags().Changed("initial")

			var resp memcache.CountResponse
			switch {
			case op == "incr" && seed:
				resp = client.IncrementWithSeed(args[0], delta, initial, expiration)
			case op == "incr":
				resp = client.Increment(args[0], delta)
			case seed:
				resp = client.DecrementWithSeed(args[0], delta, initial, expiration)
			default:
				resp = client.Decrement(args[0], delta)
			}
			if err := report(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.Status() == memcache.StatusNoError {
				fmt.Fprintln(cmd.OutOrStdout(), resp.Count())
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&initial, "initial", 0, "Create a missing counter with this value")
	cmd.Flags().Uint32Var(&expiration, "exp", 0, "Expiration of a created counter")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			return report(cmd.OutOrStdout(), client.Delete(args[0]))
		},
	}
}

func touchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "touch <key> <expiration>",
		Short: "Update an entry's expiration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expiration, err := parseUint32("expiration", args[1])
			if err != nil {
				return err
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			return report(cmd.OutOrStdout(), client.Touch(args[0], expiration))
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush [<delay>]",
		Short: "Invalidate every entry on every UP server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var delay uint32
			if len(args) == 1 {
				var err error
				delay, err = parseUint32("delay", args[0])
				if err != nil {
					return err
				}
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			resp := client.Flush(delay)
			if err := resp.Error(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Status())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of every UP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			resp := client.Version()
			versions := resp.Versions()
			addresses := make([]string, 0, len(versions))
			for address := range versions {
				addresses = append(addresses, address)
			}
			sort.Strings(addresses)

			for _, address := range addresses {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", address, versions[address])
			}
			return resp.Error()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check every server and print the pool state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			// Version touches every server, which marks unreachable ones DOWN.
			_ = client.Version()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tSTATE\tFAILS\tLAST FAILURE\tIDLE")
			for _, state := range client.Pool().States() {
				lastFailure := "-"
				if !state.LastFailureAt.IsZero() {
					lastFailure = state.LastFailureAt.Format(time.RFC3339)
				}
				fmt.Fprintf(
					w,
					"%s\t%s\t%d\t%s\t%d\n",
					state.Address,
					state.State,
					state.Fails,
					lastFailure,
					state.IdleConnections)
			}
			return w.Flush()
		},
	}
}
