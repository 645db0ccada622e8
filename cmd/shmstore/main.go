// shmstore is a shared-memory object store daemon and its control CLI.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shmstore/shmstore/internal/config"
	"github.com/shmstore/shmstore/internal/eviction"
	"github.com/shmstore/shmstore/internal/memory"
	"github.com/shmstore/shmstore/internal/metrics"
	"github.com/shmstore/shmstore/internal/server"
	"github.com/shmstore/shmstore/internal/store"
	"github.com/shmstore/shmstore/pkg/bytesize"
	"github.com/shmstore/shmstore/pkg/client"
	"github.com/shmstore/shmstore/pkg/oid"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	cfgFile  string
	logLevel string
	socket   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shmstore",
		Short: "shmstore - shared-memory object store",
		Long: `shmstore keeps immutable objects in shared memory and hands them to
local processes by descriptor, so readers map object bytes directly
instead of copying them through a socket.

Start a store:

  shmstore serve --config store.yaml

Inspect it:

  shmstore status
  shmstore list`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVarP(&socket, "socket", "s", server.DefaultSocketPath(), "store socket path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the store daemon",
		RunE:  runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	// Flags override file settings.
	if cmd.Flags().Changed("socket") {
		cfg.Socket = socket
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogging(cfg.LogLevel)
	log.Info().
		Str("version", Version).
		Str("socket", cfg.Socket).
		Str("capacity", cfg.Capacity.String()).
		Str("backing", cfg.Backing.Directory).
		Msg("shmstore starting")

	alloc, err := memory.NewHostAllocator(memory.Config{
		Directory: cfg.Backing.Directory,
		HugePages: cfg.Backing.HugePages,
	})
	if err != nil {
		return err
	}

	m := metrics.InitMetrics("shmstore")
	dir := store.NewDirectory(cfg.Capacity.Bytes(), eviction.NewLRU())
	dir.RegisterAllocator(store.HostDevice, alloc)
	dir.SetMetrics(m)

	srv := server.NewServer(cfg.Socket, dir)
	srv.SetMetrics(m)
	if err := srv.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	return srv.Stop()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.Dial(socket)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			status, err := c.Status()
			if err != nil {
				return err
			}

			fmt.Printf("Clients: %d\n", status.Clients)
			for _, d := range status.Domains {
				fmt.Printf("Device %d: %s / %s used, %d objects (%d sealed)\n",
					d.Device,
					bytesize.Format(d.Used),
					bytesize.Format(d.Capacity),
					d.Objects,
					d.Sealed)
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.Dial(socket)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			infos, err := c.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no objects")
				return nil
			}

			fmt.Printf("%-12s %-8s %4s %10s %10s  %s\n",
				"OBJECT", "STATE", "REFS", "DATA", "META", "AGE")
			for _, info := range infos {
				fmt.Printf("%-12s %-8s %4d %10s %10s  %s\n",
					info.ObjectID.Short(),
					info.State,
					info.RefCount,
					bytesize.Format(info.DataSize),
					bytesize.Format(info.MetadataSize),
					time.Since(info.CreatedAt).Round(time.Second))
			}
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <object-id>",
		Short: "Delete a sealed, unreferenced object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := oid.FromHex(args[0])
			if err != nil {
				return err
			}

			c, err := client.Dial(socket)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Delete(id); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", id)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shmstore %s (%s)\n", Version, Commit)
		},
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
