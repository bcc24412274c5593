package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Iris - Configuration with Environment Overrides
// =============================================================================

// Config is the full tree every process loads at start. Environment
// variables override the YAML values after parsing.
type Config struct {
	Core      CoreConfig      `yaml:"core"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	DNS       DNSConfig       `yaml:"dns"`
	Detection DetectionConfig `yaml:"detection"`
	IPC       IPCConfig       `yaml:"ipc"`
}

// CoreConfig carries the budgets and timeouts shared across extensions.
type CoreConfig struct {
	CaptureMemoryBudgetBytes int64 `yaml:"capture_memory_budget_bytes"`
	MaxConnections           int   `yaml:"max_connections"`
	StaleTimeoutSeconds      int   `yaml:"stale_timeout_seconds"`
	HandshakeTimeoutSeconds  int   `yaml:"handshake_timeout_seconds"`
	DoHTimeoutSeconds        int   `yaml:"doh_timeout_seconds"`
	PreviewBytes             int   `yaml:"preview_bytes"`
	BodyCapBytes             int64 `yaml:"body_cap_bytes"`
	AlertDedupWindowSeconds  int   `yaml:"alert_dedup_window_seconds"`
}

// ProxyConfig is specific to the TLS-intercepting proxy extension.
type ProxyConfig struct {
	RootCN            string `yaml:"root_cn"`
	LeafCacheSize     int    `yaml:"leaf_cache_size"`
	FirewallRulesPath string `yaml:"firewall_rules_path"`
	RedisAddr         string `yaml:"redis_addr"` // empty disables the flow mirror
	RedisDB           int    `yaml:"redis_db"`
}

// DNSConfig is specific to the DNS proxy extension.
type DNSConfig struct {
	UpstreamName string `yaml:"upstream_name"`
	BootstrapIP  string `yaml:"bootstrap_ip"`
	UpstreamPort int    `yaml:"upstream_port"`
	ListenAddr   string `yaml:"listen_addr"` // local bind standing in for the kernel DNS-flow interface
}

// DetectionConfig is specific to the security-event extension.
type DetectionConfig struct {
	EventRingSize int `yaml:"event_ring_size"`
	AlertRingSize int `yaml:"alert_ring_size"`
	MailboxSize   int `yaml:"mailbox_size"`
}

// IPCConfig covers the supervisor/extension channel.
type IPCConfig struct {
	SocketDir          string `yaml:"socket_dir"`
	ExpectedTeamID     string `yaml:"expected_team_id"`
	RequireHardened    bool   `yaml:"require_hardened"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
	StatusPath         string `yaml:"status_path"`
}

var (
	loaded   *Config
	loadOnce sync.Mutex
)

// LoadConfig parses the YAML file at path (missing file yields defaults),
// applies environment overrides, then fills remaining defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(blob, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// Get returns the process-wide config, loading it on first use from
// IRIS_CONFIG (or defaults).
func Get() *Config {
	loadOnce.Lock()
	defer loadOnce.Unlock()
	if loaded == nil {
		cfg, err := LoadConfig(os.Getenv("IRIS_CONFIG"))
		if err != nil {
			cfg = &Config{}
			cfg.applyDefaults()
		}
		loaded = cfg
	}
	return loaded
}

// Reset clears the cached process config; tests construct fresh.
func Reset() {
	loadOnce.Lock()
	defer loadOnce.Unlock()
	loaded = nil
}

func (c *Config) applyEnvOverrides() {
	c.Core.CaptureMemoryBudgetBytes = getEnvInt64("captureMemoryBudgetBytes", c.Core.CaptureMemoryBudgetBytes)
	c.Core.MaxConnections = getEnvInt("maxConnections", c.Core.MaxConnections)
	c.Core.StaleTimeoutSeconds = getEnvInt("staleTimeoutSeconds", c.Core.StaleTimeoutSeconds)
	c.Core.HandshakeTimeoutSeconds = getEnvInt("handshakeTimeoutSeconds", c.Core.HandshakeTimeoutSeconds)
	c.Core.DoHTimeoutSeconds = getEnvInt("dohTimeoutSeconds", c.Core.DoHTimeoutSeconds)
	c.Core.PreviewBytes = getEnvInt("previewBytes", c.Core.PreviewBytes)
	c.Core.BodyCapBytes = getEnvInt64("bodyCapBytes", c.Core.BodyCapBytes)
	c.Core.AlertDedupWindowSeconds = getEnvInt("alertDedupWindowSeconds", c.Core.AlertDedupWindowSeconds)

	c.Proxy.RedisAddr = getEnv("IRIS_REDIS_ADDR", c.Proxy.RedisAddr)
	c.DNS.UpstreamName = getEnv("IRIS_DOH_NAME", c.DNS.UpstreamName)
	c.DNS.BootstrapIP = getEnv("IRIS_DOH_BOOTSTRAP_IP", c.DNS.BootstrapIP)
	c.IPC.SocketDir = getEnv("IRIS_IPC_SOCKET_DIR", c.IPC.SocketDir)
	c.IPC.ExpectedTeamID = getEnv("IRIS_IPC_TEAM_ID", c.IPC.ExpectedTeamID)
	c.IPC.RequireHardened = getEnvBool("IRIS_IPC_REQUIRE_HARDENED", c.IPC.RequireHardened)
}

func (c *Config) applyDefaults() {
	if c.Core.CaptureMemoryBudgetBytes == 0 {
		c.Core.CaptureMemoryBudgetBytes = 30 << 30 // 30 GiB
	}
	if c.Core.MaxConnections == 0 {
		c.Core.MaxConnections = 10000
	}
	if c.Core.StaleTimeoutSeconds == 0 {
		c.Core.StaleTimeoutSeconds = 120
	}
	if c.Core.HandshakeTimeoutSeconds == 0 {
		c.Core.HandshakeTimeoutSeconds = 10
	}
	if c.Core.DoHTimeoutSeconds == 0 {
		c.Core.DoHTimeoutSeconds = 5
	}
	if c.Core.PreviewBytes == 0 {
		c.Core.PreviewBytes = 8192
	}
	if c.Core.BodyCapBytes == 0 {
		c.Core.BodyCapBytes = 100 << 20 // 100 MiB
	}
	if c.Core.AlertDedupWindowSeconds == 0 {
		c.Core.AlertDedupWindowSeconds = 60
	}
	if c.Proxy.RootCN == "" {
		c.Proxy.RootCN = "Iris Proxy Root CA"
	}
	if c.Proxy.LeafCacheSize == 0 {
		c.Proxy.LeafCacheSize = 256
	}
	if c.Proxy.FirewallRulesPath == "" {
		c.Proxy.FirewallRulesPath = "/var/lib/iris/firewall-rules.json"
	}
	if c.DNS.UpstreamName == "" {
		c.DNS.UpstreamName = "dns.quad9.net"
	}
	if c.DNS.BootstrapIP == "" {
		c.DNS.BootstrapIP = "9.9.9.9"
	}
	if c.DNS.UpstreamPort == 0 {
		c.DNS.UpstreamPort = 443
	}
	if c.DNS.ListenAddr == "" {
		c.DNS.ListenAddr = "127.0.0.1:5353"
	}
	if c.Detection.EventRingSize == 0 {
		c.Detection.EventRingSize = 16384
	}
	if c.Detection.AlertRingSize == 0 {
		c.Detection.AlertRingSize = 4096
	}
	if c.Detection.MailboxSize == 0 {
		c.Detection.MailboxSize = 4096
	}
	if c.IPC.SocketDir == "" {
		c.IPC.SocketDir = "/var/run/iris"
	}
	if c.IPC.CallTimeoutSeconds == 0 {
		c.IPC.CallTimeoutSeconds = 30
	}
	if c.IPC.StatusPath == "" {
		c.IPC.StatusPath = "/var/lib/iris/status.json"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}
