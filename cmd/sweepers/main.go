// Command sweepers post-processes the PDS product registry: it derives
// cross-document metadata (version successors, bundle/collection
// ancestry, field repairs, mapping completeness) and writes it back onto
// the source documents. It is typically run as a periodic container job.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/nasa-pds/registry-sweepers/internal/config"
	"github.com/nasa-pds/registry-sweepers/internal/logging"
	"github.com/nasa-pds/registry-sweepers/internal/registry"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

var (
	flagBaseURL    string
	flagCCSRemotes []string
	flagLogFile    string
	flagLogLevel   string
	flagInsecure   bool
)

var rootCmd = &cobra.Command{
	Use:   "sweepers",
	Short: "Registry metadata sweepers",
	Long: `Registry metadata sweepers.

Each sweeper scans the registry index, derives cross-document metadata,
and writes it back onto the source documents via bulk updates. Repairkit
and provenance skip documents already stamped at their current version;
ancestry recomputes parentage for every published document on each run.
Updates are idempotent, so any sweeper may be re-run safely.

Configuration comes from the environment:
  PROV_ENDPOINT           search endpoint URL (required)
  PROV_CREDENTIALS        JSON {"user": "pass"} for basic auth
  SWEEPERS_IAM_ROLE_NAME  IAM role for SigV4 request signing
  MULTITENANCY_NODE_ID    tenant prefix for index names (optional)
  LOGLEVEL                log level, default INFO
  DEV_MODE                disable TLS certificate verification`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagBaseURL, "base-url", "b", "", "search endpoint URL (overrides PROV_ENDPOINT)")
	rootCmd.PersistentFlags().StringSliceVarP(&flagCCSRemotes, "ccs-remotes", "c", nil, "names of additional cross-cluster remotes")
	rootCmd.PersistentFlags().StringVarP(&flagLogFile, "log-file", "f", "", "file to write log messages to")
	rootCmd.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "L", "", "log level as a name like INFO or a numeric value")
	rootCmd.PersistentFlags().BoolVar(&flagInsecure, "insecure", false, "skip verification of host certificates")
}

// runEnv holds the per-invocation runtime assembled from configuration.
type runEnv struct {
	env     *sweepers.Env
	cleanup func()
}

// newRunEnv loads configuration, applies flag overrides, builds the
// client, and prepares the transient working directory guarded against
// concurrent runs.
func newRunEnv(ctx context.Context) (*runEnv, error) {
	config.Initialize()
	if flagBaseURL != "" {
		config.Set("endpoint", flagBaseURL)
	}
	if flagLogLevel != "" {
		config.Set("log-level", flagLogLevel)
	}
	if flagInsecure {
		config.Set("dev-mode", true)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logging.Setup(level, flagLogFile)

	auth, err := cfg.Authenticator(ctx)
	if err != nil {
		return nil, err
	}
	client, err := registry.NewClient(registry.ClientOptions{
		Endpoint:  cfg.Endpoint,
		Auth:      auth,
		VerifyTLS: !cfg.DevMode,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "registry-sweepers-")
	if err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}

	// One sweeper process at a time: concurrent runs would race on
	// version stamps and waste bulk-write capacity.
	lock := flock.New(filepath.Join(os.TempDir(), "registry-sweepers.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !locked {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("another sweeper run is already in progress")
	}

	return &runEnv{
		env: &sweepers.Env{
			Client:       client,
			TenantNodeID: cfg.TenantNodeID,
			WorkDir:      workDir,
			Remotes:      flagCCSRemotes,
			Log:          log,
		},
		cleanup: func() {
			_ = lock.Unlock()
			_ = os.RemoveAll(workDir)
		},
	}, nil
}

// runSweepers assembles the environment and executes jobs in order.
func runSweepers(build func(*runEnv) []sweepers.Sweeper) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	re, err := newRunEnv(ctx)
	if err != nil {
		return err
	}
	defer re.cleanup()

	return sweepers.Run(ctx, re.env, build(re))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
