package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/taskmesh/pkg/config"
	"github.com/cuemby/taskmesh/pkg/events"
	"github.com/cuemby/taskmesh/pkg/gossip"
	"github.com/cuemby/taskmesh/pkg/lifecycle"
	applog "github.com/cuemby/taskmesh/pkg/log"
	"github.com/cuemby/taskmesh/pkg/metrics"
	"github.com/cuemby/taskmesh/pkg/mq"
	"github.com/cuemby/taskmesh/pkg/reconciler"
	"github.com/cuemby/taskmesh/pkg/security"
	"github.com/cuemby/taskmesh/pkg/storage"
	"github.com/cuemby/taskmesh/pkg/taskstore"
	"github.com/cuemby/taskmesh/pkg/types"
	"github.com/cuemby/taskmesh/pkg/worker"
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
	Use:     "taskmesh-worker",
	Short:   "Run a taskmesh ingestion worker in the gossip topology",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("taskmesh-worker version %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a worker YAML config file (env vars override it)")
	flags.String("kind", "", "worker kind tag (e.g. youtube, bilibili, twitter)")
	flags.String("bind", "", "host:port the gossip transport binds")
	flags.String("base-url", "", "advertised wss://host:port URI")
	flags.String("seeds", "", "comma-separated seed peer addresses")
	flags.String("mongo-uri", "", "MongoDB connection string")
	flags.String("mongo-db", "", "MongoDB database name")
	flags.String("mongo-collection", "", "MongoDB collection holding tasks")
	flags.String("cert-file", "", "leaf certificate PEM path")
	flags.String("key-file", "", "leaf private key PEM path")
	flags.String("ca-file", "", "CA certificate PEM path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit logs as JSON")
	flags.String("metrics-addr", "", "Prometheus /metrics listen address")
	flags.String("data-dir", "", "directory for local durable state (cert cache, suppressed peers); disabled if empty")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg := config.DefaultWorker()
	if cfgFile != "" {
		fileCfg, err := config.LoadWorkerFile(cfgFile)
		if err != nil {
			return err
		}
		cfg = fileCfg
	}
	applyWorkerFlags(cmd, &cfg)
	config.ApplyWorkerEnv(&cfg)

	applog.Init(applog.Config{Level: applog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := applog.WithWorkerID(cfg.WorkerID)

	if cfg.Kind == "" || cfg.Bind == "" || cfg.BaseURL == "" {
		return fmt.Errorf("config: kind, bind, and base-url are required")
	}

	// Loaded eagerly so a bad cert/key/CA fails startup (CertError,
	// spec.md §7) before the process joins gossip. The gossip transport
	// itself also needs this CertStore: it is memberlist's mTLS identity.
	certs, err := loadCertsFromFiles(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	if err != nil {
		return err
	}

	var localStore storage.Store
	if cfg.DataDir != "" {
		boltStore, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("storage: open data dir: %w", err)
		}
		defer boltStore.Close()
		localStore = boltStore
		cacheCertsLocally(boltStore, cfg, log)
	}

	self, err := parseSelf(cfg.BaseURL, cfg.Kind)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, portStr, err := splitHostPort(cfg.Bind)
	if err != nil {
		return fmt.Errorf("config: bind: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("config: bind port: %w", err)
	}

	runtime, err := gossip.Start(gossip.Config{
		BindAddr: host,
		BindPort: port,
		Self:     self,
		Certs:    certs,
		Log:      log,
	}, splitSeeds(cfg.SeedPeers))
	if err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	defer runtime.Shutdown()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("mongo: connect: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	source := taskstore.New(mongoClient.Database(cfg.MongoDatabase), cfg.MongoColl)
	initial, err := source.List(ctx)
	if err != nil {
		return fmt.Errorf("taskstore: initial list: %w", err)
	}
	changes, err := source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("taskstore: watch: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("gossip", true, "")
	metrics.RegisterComponent("taskstore", true, "")
	metrics.RegisterComponent("transport", true, "backs the memberlist gossip runtime's mTLS transport")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	w := worker.New(self.String(), log, broker, mq.NewLoggingQueue(log))
	rec := reconciler.New(self, w, log)

	members := make(chan gossip.Event, 256)
	members <- gossip.Event{Kind: gossip.MemberUp, Member: types.Member{Node: self}}
	handleCtx, handle := lifecycle.New(ctx)
	handle.Go(func() { forwardMembers(handleCtx, runtime.Events(), members, localStore, log) })

	seededChanges := make(chan taskstore.Change, len(initial)+1)
	for _, t := range initial {
		seededChanges <- taskstore.Change{Kind: taskstore.ChangeInsert, TaskID: t.Key(), Task: t}
	}
	handle.Go(func() { forwardChanges(handleCtx, changes, seededChanges) })

	go serveMetrics(cfg.MetricsAddr, log)

	log.Info().Str("self", self.String()).Int("seed_count", len(cfg.SeedPeers)).Msg("worker started")
	rec.Run(ctx, members, seededChanges)

	_ = handle.Close()
	log.Info().Msg("worker stopped")
	return nil
}

// forwardMembers relays gossip events to the reconciler, persisting
// MemberDown evictions to store (if non-nil) and dropping MemberUp events
// for peers store still considers suppressed, so a node this process
// recently evicted isn't immediately re-admitted across a restart.
func forwardMembers(ctx context.Context, in <-chan gossip.Event, out chan<- gossip.Event, store storage.Store, log zerolog.Logger) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if store != nil {
				nodeKey := ev.Member.Node.String()
				switch ev.Kind {
				case gossip.MemberDown:
					if err := store.SuppressMember(nodeKey); err != nil {
						log.Warn().Err(err).Str("node", nodeKey).Msg("failed to persist member suppression")
					}
				case gossip.MemberUp:
					if suppressed, err := store.IsSuppressed(nodeKey); err == nil && suppressed {
						log.Debug().Str("node", nodeKey).Msg("dropping MemberUp for a still-suppressed peer")
						continue
					}
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func forwardChanges(ctx context.Context, in <-chan taskstore.Change, out chan<- taskstore.Change) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}
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

func applyWorkerFlags(cmd *cobra.Command, w *config.Worker) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("kind"); v != "" {
		w.Kind = v
	}
	if v, _ := flags.GetString("bind"); v != "" {
		w.Bind = v
	}
	if v, _ := flags.GetString("base-url"); v != "" {
		w.BaseURL = v
	}
	if v, _ := flags.GetString("seeds"); v != "" {
		w.SeedPeers = splitSeeds([]string{v})
	}
	if v, _ := flags.GetString("mongo-uri"); v != "" {
		w.MongoURI = v
	}
	if v, _ := flags.GetString("mongo-db"); v != "" {
		w.MongoDatabase = v
	}
	if v, _ := flags.GetString("mongo-collection"); v != "" {
		w.MongoColl = v
	}
	if v, _ := flags.GetString("cert-file"); v != "" {
		w.CertFile = v
	}
	if v, _ := flags.GetString("key-file"); v != "" {
		w.KeyFile = v
	}
	if v, _ := flags.GetString("ca-file"); v != "" {
		w.CAFile = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		w.LogLevel = v
	}
	if v, _ := flags.GetBool("log-json"); v {
		w.LogJSON = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		w.MetricsAddr = v
	}
	if v, _ := flags.GetString("data-dir"); v != "" {
		w.DataDir = v
	}
}

func splitSeeds(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func splitHostPort(bind string) (string, string, error) {
	idx := strings.LastIndex(bind, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("expected host:port, got %q", bind)
	}
	return bind[:idx], bind[idx+1:], nil
}

func parseSelf(baseURL, kind string) (types.NodeID, error) {
	rest, ok := strings.CutPrefix(baseURL, "wss://")
	if !ok {
		return types.NodeID{}, fmt.Errorf("base-url must be wss://host:port, got %q", baseURL)
	}
	host, portStr, err := splitHostPort(rest)
	if err != nil {
		return types.NodeID{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return types.NodeID{}, fmt.Errorf("base-url port: %w", err)
	}
	return types.NodeID{
		Version: 1,
		Scheme:  "wss",
		Host:    host,
		Port:    uint16(port),
		Kind:    kind,
		Salt:    uint16(rand.Intn(1 << 16)),
	}, nil
}

// cacheCertsLocally mirrors the configured cert/key/CA PEMs into store so a
// restart can recover them even if the files backing cfg.CertFile etc. are
// unavailable (e.g. a secrets-mount that rotated out from under it). This is
// a best-effort cache, not a source of truth, so failures only warn.
func cacheCertsLocally(store *storage.BoltStore, cfg config.Worker, log zerolog.Logger) {
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read cert file for local cache")
		return
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read key file for local cache")
		return
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read ca file for local cache")
		return
	}
	if err := store.SaveCert(certPEM, keyPEM, caPEM); err != nil {
		log.Warn().Err(err).Msg("failed to cache certificates locally")
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
