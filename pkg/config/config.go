package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration. A single file carries all three
// role sections; each binary only reads its own section plus the shared
// ones.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Identity IdentityConfig `yaml:"identity"`
	Hub      HubConfig      `yaml:"hub"`
	PDS      PDSConfig      `yaml:"pds"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	DBPath  string `yaml:"db_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// IdentityConfig selects the identity oracle. When RegistryURL is empty
// and no static accounts are listed the node runs permissive (accounts
// and signing keys are not checked), mirroring a deployment without a
// registry.
type IdentityConfig struct {
	RegistryURL string          `yaml:"registry_url"`
	Accounts    []StaticAccount `yaml:"accounts"`
}

type StaticAccount struct {
	AccountID string   `yaml:"account_id"`
	Keys      []string `yaml:"keys"`
}

type HubConfig struct {
	NodeID string `yaml:"node_id"`
	// Peers seeds the peer directory; membership can change at runtime
	// through the peers API.
	Peers       []string `yaml:"peers"`
	SyncCron    string   `yaml:"sync_cron"`
	PageSize    int      `yaml:"page_size"`
	PeerTimeout string   `yaml:"peer_timeout"`
	// Propagate controls best-effort push of locally accepted messages
	// to peers.
	Propagate *bool `yaml:"propagate"`
}

type PDSConfig struct {
	PDSID string `yaml:"pds_id"`
	// Endpoint is this node's own public URL, sent to peers so they can
	// resolve migrated accounts back to us.
	Endpoint        string   `yaml:"endpoint"`
	FederationPeers []string `yaml:"federation_peers"`
	ReplicationCron string   `yaml:"replication_cron"`
	PageSize        int      `yaml:"page_size"`
	PeerTimeout     string   `yaml:"peer_timeout"`
}

type GatewayConfig struct {
	GatewayID     string   `yaml:"gateway_id"`
	HubEndpoints  []string `yaml:"hub_endpoints"`
	PDSEndpoints  []string `yaml:"pds_endpoints"`
	FanoutTimeout string   `yaml:"fanout_timeout"`
	Cache         struct {
		RedisAddr string `yaml:"redis_addr"`
		TTL       string `yaml:"ttl"`
	} `yaml:"cache"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Load reads the YAML config at path (when non-empty) and applies
// environment overrides on top. Missing file with empty path yields a
// zero config ready for env-only operation.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&c)
	return &c, nil
}

// applyEnv overlays SOCIALMESH_* environment variables; env wins over the
// file, flags (handled by main) win over both.
func applyEnv(c *Config) {
	if v := os.Getenv("SOCIALMESH_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("SOCIALMESH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("SOCIALMESH_DB_PATH"); v != "" {
		c.Server.DBPath = v
	}
	if v := os.Getenv("SOCIALMESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SOCIALMESH_REGISTRY_URL"); v != "" {
		c.Identity.RegistryURL = v
	}
	if v := os.Getenv("SOCIALMESH_HUB_PEERS"); v != "" {
		c.Hub.Peers = splitList(v)
	}
	if v := os.Getenv("SOCIALMESH_FEDERATION_PEERS"); v != "" {
		c.PDS.FederationPeers = splitList(v)
	}
	if v := os.Getenv("SOCIALMESH_PDS_ENDPOINT"); v != "" {
		c.PDS.Endpoint = v
	}
	if v := os.Getenv("SOCIALMESH_HUB_ENDPOINTS"); v != "" {
		c.Gateway.HubEndpoints = splitList(v)
	}
	if v := os.Getenv("SOCIALMESH_PDS_ENDPOINTS"); v != "" {
		c.Gateway.PDSEndpoints = splitList(v)
	}
	if v := os.Getenv("SOCIALMESH_REDIS_ADDR"); v != "" {
		c.Gateway.Cache.RedisAddr = v
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ParseCommandFlags centralizes flag parsing for the role binaries.
// setFlags records which flags the user passed explicitly; explicit
// flags win over env and file values.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// ApplyAddrFlag overrides the server address from a host:port flag value.
func (c *Config) ApplyAddrFlag(addr string) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return
	}
	c.Server.Address = host
	c.Server.Port = port
}

func splitHostPort(addr string) (string, int, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("address %q missing port", addr)
	}
	p, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("address %q has bad port: %w", addr, err)
	}
	host := addr[:i]
	if host == "" {
		host = "0.0.0.0"
	}
	return host, p, nil
}

// Duration parses s as a time.Duration, falling back to def when s is
// empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
