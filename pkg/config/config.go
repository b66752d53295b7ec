// Package config loads process configuration from environment variables
// and an optional YAML file (spec.md §6's "environment configuration",
// expanded with the ambient fields every teacher binary reads from flags
// plus env: log level/format and a metrics listener address).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker holds everything a gossip-topology worker process needs at
// startup (spec.md §6's "Worker (gossip)" environment block).
type Worker struct {
	WorkerID      string   `yaml:"worker_id"`
	Kind          string   `yaml:"kind"`
	Bind          string   `yaml:"bind"`
	BaseURL       string   `yaml:"base_url"`
	SeedPeers     []string `yaml:"seed_peers"`
	MongoURI      string   `yaml:"mongo_uri"`
	MongoDatabase string   `yaml:"mongo_database"`
	MongoColl     string   `yaml:"mongo_collection"`
	CertFile      string   `yaml:"cert_file"`
	KeyFile       string   `yaml:"key_file"`
	CAFile        string   `yaml:"ca_file"`
	DataDir       string   `yaml:"data_dir"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Coordinator holds everything the legacy central-coordinator process
// needs at startup (spec.md §6's "Coordinator" environment block).
type Coordinator struct {
	ListenAddr    string        `yaml:"listen_addr"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDatabase string        `yaml:"mongo_database"`
	MongoColl     string        `yaml:"mongo_collection"`
	CertFile      string        `yaml:"cert_file"`
	KeyFile       string        `yaml:"key_file"`
	CAFile        string        `yaml:"ca_file"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoadWorkerFile reads a Worker config from a YAML file, used by the
// optional --config flag; env vars applied afterward win over the file.
func LoadWorkerFile(path string) (Worker, error) {
	var w Worker
	raw, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("config: read worker config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return w, fmt.Errorf("config: parse worker config %s: %w", path, err)
	}
	return w, nil
}

// LoadCoordinatorFile reads a Coordinator config from a YAML file.
func LoadCoordinatorFile(path string) (Coordinator, error) {
	var c Coordinator
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read coordinator config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config: parse coordinator config %s: %w", path, err)
	}
	return c, nil
}

// ApplyWorkerEnv overlays recognized TASKMESH_*/WORKER_* environment
// variables onto w, in place. Unset variables leave the existing field
// (whether zero-value or loaded from a config file) untouched.
func ApplyWorkerEnv(w *Worker) {
	overlayString(&w.WorkerID, "WORKER_ID")
	overlayString(&w.Kind, "WORKER_KIND")
	overlayString(&w.Bind, "WORKER_BIND")
	overlayString(&w.BaseURL, "WORKER_BASE_URL")
	overlayString(&w.MongoURI, "WORKER_DB_URI")
	overlayString(&w.MongoDatabase, "WORKER_DB_NAME")
	overlayString(&w.MongoColl, "WORKER_DB_COLLECTION")
	overlayString(&w.CertFile, "WORKER_CERT_FILE")
	overlayString(&w.KeyFile, "WORKER_KEY_FILE")
	overlayString(&w.CAFile, "WORKER_CA_FILE")
	overlayString(&w.DataDir, "WORKER_DATA_DIR")
	overlayString(&w.LogLevel, "TASKMESH_LOG_LEVEL")
	overlayBool(&w.LogJSON, "TASKMESH_LOG_JSON")
	overlayString(&w.MetricsAddr, "TASKMESH_METRICS_ADDR")
	if seeds := os.Getenv("WORKER_SEED_PEERS"); seeds != "" {
		w.SeedPeers = splitCommaList(seeds)
	}
}

// ApplyCoordinatorEnv overlays recognized TASKMESH_*/COORDINATOR_*
// environment variables onto c, in place.
func ApplyCoordinatorEnv(c *Coordinator) {
	overlayString(&c.ListenAddr, "COORDINATOR_LISTEN_ADDR")
	overlayDuration(&c.PingInterval, "COORDINATOR_PING_INTERVAL")
	overlayString(&c.MongoURI, "COORDINATOR_DB_URI")
	overlayString(&c.MongoDatabase, "COORDINATOR_DB_NAME")
	overlayString(&c.MongoColl, "COORDINATOR_DB_COLLECTION")
	overlayString(&c.CertFile, "COORDINATOR_CERT_FILE")
	overlayString(&c.KeyFile, "COORDINATOR_KEY_FILE")
	overlayString(&c.CAFile, "COORDINATOR_CA_FILE")
	overlayString(&c.LogLevel, "TASKMESH_LOG_LEVEL")
	overlayBool(&c.LogJSON, "TASKMESH_LOG_JSON")
	overlayString(&c.MetricsAddr, "TASKMESH_METRICS_ADDR")
}

// DefaultCoordinator returns a Coordinator with spec.md §4.9's documented
// defaults (10s ping interval) filled in, to be overlaid by file/env.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		ListenAddr:   ":7946",
		PingInterval: 10 * time.Second,
		MetricsAddr:  "127.0.0.1:9090",
		LogLevel:     "info",
	}
}

// DefaultWorker returns a Worker with the fleet's conventional defaults
// filled in, to be overlaid by file/env.
func DefaultWorker() Worker {
	return Worker{
		MetricsAddr: "127.0.0.1:9090",
		LogLevel:    "info",
	}
}

func overlayString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overlayBool(dst *bool, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err == nil {
		*dst = b
	}
}

func overlayDuration(dst *time.Duration, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	if last := len(v) - 1; v[last] == 'd' {
		if days, err := strconv.ParseInt(v[:last], 10, 64); err == nil {
			*dst = time.Duration(days) * 24 * time.Hour
			return
		}
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
