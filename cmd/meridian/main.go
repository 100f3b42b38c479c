// Command meridian runs the per-query backend-coordination process: it
// loads configuration, wires the report bus and debug HTTP surface, and
// hosts Coordinators for queries handed to it by the planner (out of
// scope for this module — see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/meridian/pkg/config"
	"github.com/cuemby/meridian/pkg/coordinator"
	"github.com/cuemby/meridian/pkg/debug"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/reportbus"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "Per-backend coordination process for a single MPP query coordinator",
	Long: `meridian runs the per-backend coordination state machine for one
MPP query engine's coordinator node: it fans out the start RPC to every
participating backend, accumulates asynchronous progress reports,
drives cancellation on partial failure, and publishes runtime filters.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("meridian version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("config", "", "path to a TOML configuration file (optional, env overrides still apply)")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level from config (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON instead of console-formatted")

	cobra.OnInitialize(func() {})

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator process: report-bus subscriber plus debug/metrics HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("meridian: %w", err)
	}

	logLevelOverride, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	level := log.Level(cfg.LogLevel)
	if logLevelOverride != "" {
		level = log.Level(logLevelOverride)
	}
	log.Init(log.Config{Level: level, JSONOutput: logJSON})

	logger := log.WithComponent("main")

	subscriber, err := reportbus.NewNATSSubscriber(cfg.NATSURL, &log.Logger)
	if err != nil {
		return fmt.Errorf("meridian: connect report bus: %w", err)
	}
	defer subscriber.Close()

	registry := newQueryRegistry()

	debugServer := debug.NewServer(registry.lookup)
	go func() {
		logger.Info().Str("addr", cfg.DebugListenAddr).Msg("debug server listening")
		if err := debugServer.ListenAndServe(cfg.DebugListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("debug server exited")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Msg("meridian coordinator process ready")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

// queryRegistry tracks the Coordinators currently running in this
// process, keyed by query id, so the debug server can resolve
// /queries/{query_id}/... without owning query lifetime itself.
//
// Queries are registered by whatever invokes NewCoordinator (the
// planner-side entry point this module does not implement); Register
// and Unregister are exported for that caller.
type queryRegistry struct {
	mu   sync.RWMutex
	byID map[string]*coordinator.Coordinator
}

func newQueryRegistry() *queryRegistry {
	return &queryRegistry{byID: make(map[string]*coordinator.Coordinator)}
}

func (r *queryRegistry) Register(queryID string, c *coordinator.Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[queryID] = c
}

func (r *queryRegistry) Unregister(queryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, queryID)
}

func (r *queryRegistry) lookup(queryID string) (*coordinator.Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[queryID]
	return c, ok
}
