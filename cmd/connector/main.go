package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
	"codeberg.org/dirbridge/dirbridge/pkg/controller"
	"codeberg.org/dirbridge/dirbridge/pkg/state"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "dirbridge",
		Short: "dirbridge synchronizes two LDAP directories",
		Long:  `A bidirectional connector keeping an AD-compatible directory and a local LDAP directory in sync.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/dirbridge/config.yaml", "Path to config")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResyncCommand())
	rootCmd.AddCommand(newRejectsCommand())
	rootCmd.AddCommand(newCursorCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(2)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the connector until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			logger := initLogger(cfg.Logging)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, err := controller.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("Connector startup failed", zap.Error(err))
				os.Exit(3)
			}
			defer conn.Close()

			if err := conn.Run(ctx); err != nil {
				logger.Error("Connector stopped", zap.Error(err))
				conn.Close()
				os.Exit(3)
			}
		},
	}
}

func newResyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Replay all rejected changes once and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			logger := initLogger(cfg.Logging)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, err := controller.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("Connector startup failed", zap.Error(err))
				os.Exit(3)
			}
			defer conn.Close()

			if err := conn.ResyncOnce(ctx); err != nil {
				logger.Error("Resync failed", zap.Error(err))
				os.Exit(3)
			}
		},
	}
}

func newRejectsCommand() *cobra.Command {
	var direction string

	cmd := &cobra.Command{
		Use:   "rejects",
		Short: "Inspect the reject queue",
	}
	cmd.PersistentFlags().StringVarP(&direction, "direction", "d", "inbound", "Sync direction (inbound or outbound)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List changes waiting for resync",
		Run: func(cmd *cobra.Command, args []string) {
			store, cleanup := openStore(direction)
			defer cleanup()

			rejects, err := store.ListRejects(cmd.Context())
			if err != nil {
				fmt.Printf("Error listing rejects: %v\n", err)
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, '\t', 0)
			fmt.Fprintln(w, "USN\tDN")
			for _, r := range rejects {
				fmt.Fprintf(w, "%d\t%s\n", r.USN, r.DN)
			}
			w.Flush()
		},
	}

	clear := &cobra.Command{
		Use:   "clear [usn]",
		Short: "Remove one rejected change from the queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			usn, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				fmt.Printf("Error: invalid USN %q\n", args[0])
				return
			}

			store, cleanup := openStore(direction)
			defer cleanup()

			if err := store.RemoveReject(cmd.Context(), usn); err != nil {
				fmt.Printf("Error removing reject: %v\n", err)
				return
			}
			fmt.Printf("Reject %d removed\n", usn)
		},
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Follow new rejects live (etcd backend only)",
		Run: func(cmd *cobra.Command, args []string) {
			store, cleanup := openStore(direction)
			defer cleanup()

			es, ok := store.(*state.EtcdStore)
			if !ok {
				fmt.Fprintln(os.Stderr, "Error: watch requires the etcd state backend")
				os.Exit(2)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ch := make(chan state.Reject)
			go es.WatchRejects(ctx, ch)

			for {
				select {
				case <-ctx.Done():
					return
				case r := <-ch:
					fmt.Printf("%d\t%s\n", r.USN, r.DN)
				}
			}
		},
	}

	cmd.AddCommand(list, clear, watch)
	return cmd
}

func newCursorCommand() *cobra.Command {
	var direction string

	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or rewind the change cursor",
	}
	cmd.PersistentFlags().StringVarP(&direction, "direction", "d", "inbound", "Sync direction (inbound or outbound)")

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the persisted cursor",
		Run: func(cmd *cobra.Command, args []string) {
			store, cleanup := openStore(direction)
			defer cleanup()

			usn, err := store.LastUSN(cmd.Context())
			if err != nil {
				fmt.Printf("Error reading cursor: %v\n", err)
				return
			}
			fmt.Println(usn)
		},
	}

	set := &cobra.Command{
		Use:   "set [usn]",
		Short: "Set the cursor, e.g. to replay a USN range",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			usn, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				fmt.Printf("Error: invalid USN %q\n", args[0])
				return
			}

			store, cleanup := openStore(direction)
			defer cleanup()

			if err := store.SetLastUSN(cmd.Context(), usn); err != nil {
				fmt.Printf("Error setting cursor: %v\n", err)
				return
			}
			fmt.Printf("Cursor set to %d\n", usn)
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func openStore(direction string) (state.Store, func()) {
	if direction != "inbound" && direction != "outbound" {
		fmt.Fprintf(os.Stderr, "Error: unknown direction %q\n", direction)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := initLogger(cfg.Logging)

	store, err := state.Open(context.Background(), cfg.Connector.Name+"/"+direction, cfg.State, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state store: %v\n", err)
		os.Exit(3)
	}

	return store, func() {
		store.Close()
		logger.Sync()
	}
}

func initLogger(c config.LoggingConfig) *zap.Logger {
	lvl, _ := zapcore.ParseLevel(c.Level)
	cfg := zap.NewProductionConfig()
	if c.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if c.Output != "" {
		cfg.OutputPaths = []string{c.Output}
	}
	l, _ := cfg.Build()
	return l
}
