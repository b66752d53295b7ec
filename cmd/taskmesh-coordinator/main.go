package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/taskmesh/pkg/config"
	"github.com/cuemby/taskmesh/pkg/coordinator"
	applog "github.com/cuemby/taskmesh/pkg/log"
	"github.com/cuemby/taskmesh/pkg/metrics"
	"github.com/cuemby/taskmesh/pkg/security"
	"github.com/cuemby/taskmesh/pkg/taskstore"
)

var (
	Version = "dev"
	Commit  = "unknown"

	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "taskmesh-coordinator",
	Short:   "Run the legacy central-coordinator topology",
	Version: Version,
	RunE:    runCoordinator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("taskmesh-coordinator version %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a coordinator YAML config file (env vars override it)")
	flags.String("listen-addr", "", "address workers dial into")
	flags.String("ping-interval", "", "watchdog ping cadence (e.g. 10s)")
	flags.String("mongo-uri", "", "MongoDB connection string")
	flags.String("mongo-db", "", "MongoDB database name")
	flags.String("mongo-collection", "", "MongoDB collection holding tasks")
	flags.String("cert-file", "", "leaf certificate PEM path")
	flags.String("key-file", "", "leaf private key PEM path")
	flags.String("ca-file", "", "CA certificate PEM path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit logs as JSON")
	flags.String("metrics-addr", "", "Prometheus /metrics listen address")
}

func runCoordinator(cmd *cobra.Command, _ []string) error {
	cfg := config.DefaultCoordinator()
	if cfgFile != "" {
		fileCfg, err := config.LoadCoordinatorFile(cfgFile)
		if err != nil {
			return err
		}
		cfg = fileCfg
	}
	applyCoordinatorFlags(cmd, &cfg)
	config.ApplyCoordinatorEnv(&cfg)

	applog.Init(applog.Config{Level: applog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := applog.WithComponent("coordinator")

	certs, err := loadCertsFromFiles(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("mongo: connect: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	source := taskstore.New(mongoClient.Database(cfg.MongoDatabase), cfg.MongoColl)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("taskstore", true, "")
	metrics.RegisterComponent("gossip", true, "n/a in coordinator topology")
	metrics.RegisterComponent("transport", true, "n/a in coordinator topology")

	coord := coordinator.New(certs, log, cfg.PingInterval)

	initial, err := source.List(ctx)
	if err != nil {
		return fmt.Errorf("taskstore: initial list: %w", err)
	}
	for _, t := range initial {
		coord.HandleTaskChange(taskstore.Change{Kind: taskstore.ChangeInsert, TaskID: t.Key(), Task: t})
	}

	changes, err := source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("taskstore: watch: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				coord.HandleTaskChange(ch)
			}
		}
	}()

	go serveMetrics(cfg.MetricsAddr, log)

	log.Info().Str("listen_addr", cfg.ListenAddr).Dur("ping_interval", cfg.PingInterval).Msg("coordinator started")
	if err := coord.Run(ctx, cfg.ListenAddr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	log.Info().Msg("coordinator stopped")
	return nil
}

func serveMetrics(addr string, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics listener stopped")
	}
}

func applyCoordinatorFlags(cmd *cobra.Command, c *config.Coordinator) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("listen-addr"); v != "" {
		c.ListenAddr = v
	}
	if v, _ := flags.GetString("ping-interval"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PingInterval = d
		}
	}
	if v, _ := flags.GetString("mongo-uri"); v != "" {
		c.MongoURI = v
	}
	if v, _ := flags.GetString("mongo-db"); v != "" {
		c.MongoDatabase = v
	}
	if v, _ := flags.GetString("mongo-collection"); v != "" {
		c.MongoColl = v
	}
	if v, _ := flags.GetString("cert-file"); v != "" {
		c.CertFile = v
	}
	if v, _ := flags.GetString("key-file"); v != "" {
		c.KeyFile = v
	}
	if v, _ := flags.GetString("ca-file"); v != "" {
		c.CAFile = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		c.LogLevel = v
	}
	if v, _ := flags.GetBool("log-json"); v {
		c.LogJSON = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		c.MetricsAddr = v
	}
}

func loadCertsFromFiles(certFile, keyFile, caFile string) (*security.CertStore, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("security: read cert file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("security: read key file: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("security: read ca file: %w", err)
	}
	return security.LoadCertStore(certPEM, keyPEM, caPEM)
}
