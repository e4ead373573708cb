package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"backend_gateway/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "HTTP gateway that supervises a local backend and caches its answers",
		Long: `gateway accepts JSON requests, launches the backend executable on demand,
forwards each request to it over loopback HTTP and caches the answer for a
fixed TTL.

Configuration comes from an optional file (--config), GATEWAY_* environment
variables (GATEWAY_UPSTREAM_TIMEOUT=2s) and flags, in increasing precedence.

Example:
  gateway serve --backend ./target/release/backend --upstream 127.0.0.1:8080
  gateway config --config gateway.yaml
`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (yaml or json)")
	bindFlags(rootCmd, v)

	rootCmd.AddCommand(newServeCmd(v, &configPath))
	rootCmd.AddCommand(newConfigCmd(v, &configPath))
	return rootCmd
}

func newServeCmd(v *viper.Viper, configPath *string) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, *configPath)
		},
	}
	return serveCmd
}

// bindFlags registers the overrides on the root so every subcommand sees the
// same values, and binds them to their config keys.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("listen", "", "Gateway listen address")
	flags.String("backend", "", "Backend executable, relative to --workdir unless absolute")
	flags.String("workdir", "", "Backend working directory")
	flags.String("upstream", "", "Backend loopback address (host:port)")
	flags.String("grpc-health-addr", "", "Serve grpc.health.v1 on this address")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("watch", false, "Restart the backend when its executable changes")

	bind := func(key, flag string) {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	bind("listen_addr", "listen")
	bind("backend.executable", "backend")
	bind("backend.work_dir", "workdir")
	bind("upstream.addr", "upstream")
	bind("grpc_health_addr", "grpc-health-addr")
	bind("log.level", "log-level")
	bind("backend.watch_executable", "watch")
}
