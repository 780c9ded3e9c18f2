package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"actorcluster/internal/logging"
)

// Config represents the main configuration structure for a cluster node.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Network       NetworkConfig       `yaml:"network"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Gossip        GossipConfig        `yaml:"gossip"`
	HashRing      HashRingConfig      `yaml:"hash_ring"`
	PidCache      PidCacheConfig      `yaml:"pid_cache"`
	IdentityStore IdentityStoreConfig `yaml:"identity_store"`
	Transport     TransportConfig     `yaml:"transport"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       logging.LogConfig   `yaml:"logging"`
	Kinds         []KindConfig        `yaml:"kinds"`
}

// NodeConfig contains node-specific configuration.
type NodeConfig struct {
	ID       string `yaml:"id"`
	IsClient bool   `yaml:"is_client"`
}

// NetworkConfig contains network configuration for gossip and transport.
type NetworkConfig struct {
	BindAddr      string `yaml:"bind_addr"`
	GossipPort    int    `yaml:"gossip_port"`
	AdvertiseAddr string `yaml:"advertise_addr"` // IP other nodes use to connect; bind_addr is used if empty
}

// ClusterConfig contains membership discovery configuration.
type ClusterConfig struct {
	Seeds               []string      `yaml:"seeds"`
	JoinTimeout         time.Duration `yaml:"join_timeout"`
	MemberHealthTimeout time.Duration `yaml:"member_health_timeout"`
}

// GossipConfig contains anti-entropy tuning.
type GossipConfig struct {
	GossipInterval time.Duration `yaml:"gossip_interval"`
	FanOut         int           `yaml:"fan_out"`
}

// HashRingConfig contains consistent-hash placement tuning.
type HashRingConfig struct {
	VirtualNodeCount int `yaml:"virtual_node_count"`
}

// PidCacheConfig contains the PidCache cleanup task parameters. Both fields
// must be positive for the background task to run.
type PidCacheConfig struct {
	ClearInterval time.Duration `yaml:"clear_interval"`
	TimeToLive    time.Duration `yaml:"time_to_live"`
}

// IdentityStoreConfig selects and configures the IdentityStore back-end.
type IdentityStoreConfig struct {
	Backend        string        `yaml:"backend"` // "inproc" or "etcd"
	Endpoints      []string      `yaml:"endpoints"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
}

// TransportConfig contains the HTTP transport's tuning.
type TransportConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	APIPortOffset  int           `yaml:"api_port_offset"`
}

// MetricsConfig toggles the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// KindConfig names a grain kind this node registers at startup. The
// concrete Factory is wired by cmd/clusternode from a small built-in
// registry keyed by Name; config only carries the name.
type KindConfig struct {
	Name string `yaml:"name"`
}

// Load reads and parses the configuration file, applying defaults for a
// missing file and validating the result either way.
func Load(path string) (*Config, error) {
	config := &Config{
		Node: NodeConfig{
			ID:       "cluster-node-1",
			IsClient: false,
		},
		Network: NetworkConfig{
			BindAddr:      "0.0.0.0",
			GossipPort:    7946,
			AdvertiseAddr: "",
		},
		Cluster: ClusterConfig{
			Seeds:               []string{},
			JoinTimeout:         10 * time.Second,
			MemberHealthTimeout: 30 * time.Second,
		},
		Gossip: GossipConfig{
			GossipInterval: 300 * time.Millisecond,
			FanOut:         3,
		},
		HashRing: HashRingConfig{
			VirtualNodeCount: 100,
		},
		PidCache: PidCacheConfig{
			ClearInterval: 30 * time.Second,
			TimeToLive:    5 * time.Minute,
		},
		IdentityStore: IdentityStoreConfig{
			Backend:        "inproc",
			DialTimeout:    5 * time.Second,
			ReservationTTL: 10 * time.Second,
		},
		Transport: TransportConfig{
			RequestTimeout: 5 * time.Second,
			APIPortOffset:  1000,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0:9090",
		},
		Logging: logging.LogConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
		},
		Kinds: []KindConfig{
			{Name: "kv"},
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		fmt.Printf("configuration file %s not found, using defaults\n", path)
	} else if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Network.GossipPort <= 0 || c.Network.GossipPort > 65535 {
		return fmt.Errorf("network.gossip_port must be between 1 and 65535")
	}
	if c.Gossip.FanOut < 1 {
		return fmt.Errorf("gossip.fan_out must be >= 1")
	}
	if c.HashRing.VirtualNodeCount < 1 {
		return fmt.Errorf("hash_ring.virtual_node_count must be >= 1")
	}
	if !c.Node.IsClient && len(c.Kinds) == 0 {
		return fmt.Errorf("at least one kind must be configured for a non-client node")
	}
	if !isValidIdentityStoreBackend(c.IdentityStore.Backend) {
		return fmt.Errorf("invalid identity_store.backend: %s", c.IdentityStore.Backend)
	}
	if c.IdentityStore.Backend == "etcd" && len(c.IdentityStore.Endpoints) == 0 {
		return fmt.Errorf("identity_store.endpoints required when backend is etcd")
	}

	names := make(map[string]bool)
	for _, k := range c.Kinds {
		if k.Name == "" {
			return fmt.Errorf("kind name cannot be empty")
		}
		if names[k.Name] {
			return fmt.Errorf("duplicate kind name: %s", k.Name)
		}
		names[k.Name] = true
	}

	return nil
}

func isValidIdentityStoreBackend(backend string) bool {
	switch backend {
	case "inproc", "etcd":
		return true
	default:
		return false
	}
}
