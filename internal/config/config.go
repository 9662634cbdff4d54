package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCSTORE_"

type ClusterConfiguration struct {
	ListenAddress    string `toml:"listen_address" env:"LISTEN_ADDRESS"`
	AdvertiseAddress string `toml:"advertise_address" env:"ADVERTISE_ADDRESS"`
	Scheme           string `toml:"scheme" env:"SCHEME"`
	// Peers is "id=host:port[+observer],..."; the local node may be listed.
	Peers            string `toml:"peers" env:"PEERS"`
	Observer         bool   `toml:"observer" env:"OBSERVER"`
	MembershipQuorum int    `toml:"membership_quorum" env:"MEMBERSHIP_QUORUM"`
	GossipEnabled    bool   `toml:"gossip_enabled" env:"GOSSIP_ENABLED"`
	ProbeIntervalMS  int    `toml:"probe_interval_ms" env:"PROBE_INTERVAL_MS"`
	SuspectTimeoutMS int    `toml:"suspect_timeout_ms" env:"SUSPECT_TIMEOUT_MS"`
	CompressionLevel int    `toml:"compression_level" env:"COMPRESSION_LEVEL"`
}

type ReplicationConfiguration struct {
	Enabled            bool `toml:"enabled" env:"ENABLED"`
	OwnerSelection     bool `toml:"owner_selection" env:"OWNER_SELECTION"`
	ReplicationFactor  int  `toml:"replication_factor" env:"FACTOR"`
	VirtualNodes       int  `toml:"virtual_nodes" env:"VIRTUAL_NODES"`
	OperationTimeoutMS int  `toml:"operation_timeout_ms" env:"OPERATION_TIMEOUT_MS"`
	SelectionCacheSize int  `toml:"selection_cache_size" env:"SELECTION_CACHE_SIZE"`
}

type ClientConfiguration struct {
	DefaultMaxConnsPerHost     int `toml:"default_max_conns_per_host" env:"DEFAULT_MAX_CONNS_PER_HOST"`
	ReplicationMaxConnsPerHost int `toml:"replication_max_conns_per_host" env:"REPLICATION_MAX_CONNS_PER_HOST"`
	DialTimeoutMS              int `toml:"dial_timeout_ms" env:"DIAL_TIMEOUT_MS"`
	RetryBackoffMS             int `toml:"retry_backoff_ms" env:"RETRY_BACKOFF_MS"`
}

type StorageConfiguration struct {
	Engine string `toml:"engine" env:"ENGINE"`
}

type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose" env:"VERBOSE"`
	Format  string `toml:"format" env:"FORMAT"`
}

type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled" env:"ENABLED"`
}

type TracingConfiguration struct {
	Enabled     bool    `toml:"enabled" env:"ENABLED"`
	Endpoint    string  `toml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `toml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Config holds the node configuration.
type Config struct {
	NodeID  string `toml:"node_id" env:"NODE_ID"`
	DataDir string `toml:"data_dir" env:"DATA_DIR"`

	Cluster     ClusterConfiguration     `toml:"cluster" envPrefix:"CLUSTER_"`
	Replication ReplicationConfiguration `toml:"replication" envPrefix:"REPLICATION_"`
	Client      ClientConfiguration      `toml:"client" envPrefix:"CLIENT_"`
	Storage     StorageConfiguration     `toml:"storage" envPrefix:"STORAGE_"`
	Logging     LoggingConfiguration     `toml:"logging" envPrefix:"LOGGING_"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus" envPrefix:"PROMETHEUS_"`
	Tracing     TracingConfiguration     `toml:"tracing" envPrefix:"TRACING_"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./docstore-data",
		Cluster: ClusterConfiguration{
			ListenAddress:    "0.0.0.0:8000",
			Scheme:           "http",
			MembershipQuorum: 1,
			GossipEnabled:    true,
			ProbeIntervalMS:  1000,
			SuspectTimeoutMS: 3000,
		},
		Replication: ReplicationConfiguration{
			Enabled:            true,
			ReplicationFactor:  0,
			VirtualNodes:       128,
			OperationTimeoutMS: 10000,
			SelectionCacheSize: 4096,
		},
		Client: ClientConfiguration{
			DefaultMaxConnsPerHost:     8,
			ReplicationMaxConnsPerHost: 32,
			DialTimeoutMS:              5000,
			RetryBackoffMS:             50,
		},
		Storage: StorageConfiguration{
			Engine: "memory",
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
		Tracing: TracingConfiguration{
			ServiceName: "docstore",
			SampleRatio: 1,
		},
	}
}

// Flags are the command-line overrides. Zero values leave the loaded
// configuration untouched.
type Flags struct {
	ConfigPath        string
	NodeID            string
	Listen            string
	Peers             string
	ReplicationFactor int
	Quorum            int
	Verbose           bool
}

// ParseFlags parses command-line arguments (without the program name).
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("docstore", flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", "", "path to a TOML configuration file")
	fs.StringVar(&f.NodeID, "node-id", "", "node ID (generated from the machine ID when empty)")
	fs.StringVar(&f.Listen, "listen", "", "listen address host:port")
	fs.StringVar(&f.Peers, "peers", "", "cluster members as id=host:port[+observer],...")
	fs.IntVar(&f.ReplicationFactor, "rf", -1, "replication factor (0 replicates to every node)")
	fs.IntVar(&f.Quorum, "quorum", 0, "local membership quorum")
	fs.BoolVar(&f.Verbose, "verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Load builds the configuration from defaults, the TOML file named by flags,
// the environment and finally flags. flags may be nil.
func Load(flags *Flags) (*Config, error) {
	if flags == nil {
		flags = &Flags{ReplicationFactor: -1}
	}
	cfg := Default()

	if flags.ConfigPath != "" {
		if _, err := os.Stat(flags.ConfigPath); err == nil {
			log.Info().Str("path", flags.ConfigPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(flags.ConfigPath, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", flags.ConfigPath).Msg("Config file not found, using defaults")
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if flags.NodeID != "" {
		cfg.NodeID = flags.NodeID
	}
	if flags.Listen != "" {
		cfg.Cluster.ListenAddress = flags.Listen
	}
	if flags.Peers != "" {
		cfg.Cluster.Peers = flags.Peers
	}
	if flags.ReplicationFactor >= 0 {
		cfg.Replication.ReplicationFactor = flags.ReplicationFactor
	}
	if flags.Quorum > 0 {
		cfg.Cluster.MembershipQuorum = flags.Quorum
	}
	if flags.Verbose {
		cfg.Logging.Verbose = true
	}

	if cfg.NodeID == "" {
		cfg.NodeID = generateNodeID()
		log.Info().Str("node_id", cfg.NodeID).Msg("Auto-generated node ID")
	}

	return cfg, nil
}

// generateNodeID derives a stable ID from the machine ID, falling back to
// the hostname.
func generateNodeID() string {
	id, err := machineid.ProtectedID("docstore")
	if err != nil {
		log.Warn().Err(err).Msg("Machine ID unavailable, deriving node ID from hostname")
		hostname, herr := os.Hostname()
		if herr != nil {
			hostname = "localhost"
		}
		return fmt.Sprintf("node-%016x", xxhash.Sum64String(hostname))
	}
	if len(id) > 16 {
		id = id[:16]
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fmt.Sprintf("node-%016x", xxhash.Sum64String(id))
	}
	return "node-" + id
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.NodeID == "" || strings.ContainsAny(c.NodeID, "=,+ ") {
		errs = append(errs, fmt.Errorf("invalid node ID %q", c.NodeID))
	}
	if err := validateHostPort(c.Cluster.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("invalid listen address: %w", err))
	}
	if c.Cluster.AdvertiseAddress != "" {
		if err := validateHostPort(c.Cluster.AdvertiseAddress); err != nil {
			errs = append(errs, fmt.Errorf("invalid advertise address: %w", err))
		}
	}
	// The listener serves plain HTTP and gRPC only.
	if c.Cluster.Scheme != "http" {
		errs = append(errs, fmt.Errorf("unsupported scheme %q: only http is served", c.Cluster.Scheme))
	}
	if c.Cluster.MembershipQuorum < 1 {
		errs = append(errs, fmt.Errorf("membership quorum must be >= 1"))
	}
	if c.Cluster.GossipEnabled && c.Cluster.ProbeIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("probe interval must be > 0 when gossip is enabled"))
	}
	if c.Cluster.CompressionLevel < 0 || c.Cluster.CompressionLevel > 22 {
		errs = append(errs, fmt.Errorf("compression level must be between 0 and 22"))
	}
	if _, err := c.PeerList(); err != nil {
		errs = append(errs, err)
	}

	if c.Replication.ReplicationFactor < 0 {
		errs = append(errs, fmt.Errorf("replication factor must be >= 0"))
	}
	if c.Replication.VirtualNodes < 1 {
		errs = append(errs, fmt.Errorf("virtual nodes must be >= 1"))
	}
	if c.Replication.OperationTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("operation timeout must be > 0"))
	}

	if c.Client.DefaultMaxConnsPerHost < 1 || c.Client.ReplicationMaxConnsPerHost < 1 {
		errs = append(errs, fmt.Errorf("connection limits must be >= 1"))
	}

	switch c.Storage.Engine {
	case "memory":
	case "pebble":
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("pebble storage requires data_dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage engine %q", c.Storage.Engine))
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown logging format %q", c.Logging.Format))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, fmt.Errorf("tracing enabled without endpoint"))
	}

	return errors.Join(errs...)
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return err
	}
	if p < 0 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

// PeerList parses Cluster.Peers.
func (c *Config) PeerList() ([]Peer, error) {
	return ParsePeers(c.Cluster.Peers)
}

func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.Replication.OperationTimeoutMS) * time.Millisecond
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Cluster.ProbeIntervalMS) * time.Millisecond
}

func (c *Config) SuspectTimeout() time.Duration {
	return time.Duration(c.Cluster.SuspectTimeoutMS) * time.Millisecond
}
