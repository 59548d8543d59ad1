package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the foreman control-plane configuration.
type Config struct {
	// Node identifies this control-plane node as owner of jobs and work
	// items. Defaults to the hostname.
	Node         string             `yaml:"node"`
	Store        StoreConfig        `yaml:"store"`
	Queue        QueueConfig        `yaml:"queue"`
	Redis        RedisConfig        `yaml:"redis,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	PowerState   PowerStateConfig   `yaml:"power_state"`
	WorkItems    WorkItemsConfig    `yaml:"work_items"`
	HA           HAConfig           `yaml:"ha"`
	Hosts        []HostConfig       `yaml:"hosts"`
	Pools        []PoolConfig       `yaml:"pools"`
	Networks     []NetworkConfig    `yaml:"networks"`
	Offerings    []OfferingConfig   `yaml:"offerings,omitempty"`
	Templates    []TemplateConfig   `yaml:"templates,omitempty"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Alerts       AlertsConfig       `yaml:"alerts"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // memory or postgres
	DSN      string `yaml:"dsn,omitempty"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
}

// QueueConfig tunes the job dispatcher.
type QueueConfig struct {
	Workers         int      `yaml:"workers"`
	QueueSize       int      `yaml:"queue_size"`
	PollInterval    Duration `yaml:"poll_interval"`
	WaitCeiling     Duration `yaml:"wait_ceiling"`
	LeaseTTL        Duration `yaml:"lease_ttl"`
	RecoverInterval Duration `yaml:"recover_interval"`
	// Lease is local (single node) or redis (cluster-wide).
	Lease string `yaml:"lease"`
	// Channel is the Redis pub/sub channel for job completion.
	Channel string `yaml:"channel,omitempty"`
}

// RedisConfig reaches the Redis server used for leases and wake-ups.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// OrchestratorConfig tunes lifecycle operations.
type OrchestratorConfig struct {
	StartRetries int      `yaml:"start_retries"`
	LockRetries  int      `yaml:"lock_retries"`
	LockWait     Duration `yaml:"lock_wait"`
}

// AgentConfig tunes the libvirt agent transport.
type AgentConfig struct {
	CommandTimeout  Duration  `yaml:"command_timeout"`
	ConnectTimeout  Duration  `yaml:"connect_timeout"`
	ShutdownTimeout Duration  `yaml:"shutdown_timeout"`
	SSH             SSHConfig `yaml:"ssh,omitempty"`
}

// SSHConfig authenticates ssh:// host addresses.
type SSHConfig struct {
	User           string `yaml:"user,omitempty"`
	KeyFile        string `yaml:"key_file,omitempty"`
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`
}

// PowerStateConfig tunes power report reconciliation.
type PowerStateConfig struct {
	PingInterval Duration `yaml:"ping_interval"`
	// GracefulFactor times PingInterval is how long a VM may be missing
	// from reports before it is declared PowerReportMissing.
	GracefulFactor int `yaml:"graceful_factor"`
}

// WorkItemsConfig tunes the stalled work item scanner.
type WorkItemsConfig struct {
	StaleThreshold Duration `yaml:"stale_threshold"`
	ScanInterval   Duration `yaml:"scan_interval"`
	// PollInterval paces waits on work items held by other nodes.
	PollInterval Duration `yaml:"poll_interval"`
}

// HAConfig tunes HA restarts and stops.
type HAConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	RetryDelay  Duration `yaml:"retry_delay"`
}

// HostConfig describes one hypervisor host.
type HostConfig struct {
	ID string `yaml:"id"`
	// Address is a libvirt socket path, ssh://[user@]host[:port] or
	// host[:port] of libvirtd's TCP listener.
	Address        string `yaml:"address"`
	ZoneID         string `yaml:"zone"`
	PodID          string `yaml:"pod,omitempty"`
	ClusterID      string `yaml:"cluster,omitempty"`
	HypervisorType string `yaml:"hypervisor_type"`
	VCPUs          int    `yaml:"vcpus"`
	MemoryMiB      int    `yaml:"memory_mib"`
}

// PoolConfig describes one storage pool.
type PoolConfig struct {
	ID         string   `yaml:"id"`
	Scope      string   `yaml:"scope"` // host, cluster or zone
	ZoneID     string   `yaml:"zone"`
	PodID      string   `yaml:"pod,omitempty"`
	ClusterID  string   `yaml:"cluster,omitempty"`
	HostID     string   `yaml:"host,omitempty"`
	Path       string   `yaml:"path"`
	Tags       []string `yaml:"tags,omitempty"`
	Managed    bool     `yaml:"managed,omitempty"`
	CapacityGB int      `yaml:"capacity_gb"`
}

// NetworkConfig describes one guest network.
type NetworkConfig struct {
	ID      string `yaml:"id"`
	Bridge  string `yaml:"bridge"`
	CIDR    string `yaml:"cidr"`
	Gateway string `yaml:"gateway"`
}

// OfferingConfig is a compute offering.
type OfferingConfig struct {
	ID          string   `yaml:"id"`
	VCPUs       int      `yaml:"vcpus"`
	MemoryMiB   int      `yaml:"memory_mib"`
	StorageTags []string `yaml:"storage_tags,omitempty"`
}

// TemplateConfig is a boot image.
type TemplateConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	Path string `yaml:"path"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// MetricsConfig sets the listener for /metrics and the health endpoints.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	// DedupWindow suppresses identical alerts for this long.
	DedupWindow Duration `yaml:"dedup_window"`
	// SentryDSN enables the Sentry sink when set.
	SentryDSN   string `yaml:"sentry_dsn,omitempty"`
	Environment string `yaml:"environment,omitempty"`
}

// idPattern restricts ids used as map keys, lease names and log fields.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Node == "" {
		if h, err := os.Hostname(); err == nil {
			c.Node = strings.ToLower(h)
		}
	}
	c.Node = strings.ToLower(strings.TrimSpace(c.Node))

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 10
	}

	q := &c.Queue
	setInt(&q.Workers, 4)
	setInt(&q.QueueSize, 256)
	setDuration(&q.PollInterval, 2*time.Second)
	setDuration(&q.WaitCeiling, 10*time.Minute)
	setDuration(&q.LeaseTTL, 30*time.Second)
	setDuration(&q.RecoverInterval, 30*time.Second)
	if q.Lease == "" {
		q.Lease = "local"
	}
	if q.Channel == "" {
		q.Channel = "foreman:jobs"
	}

	setInt(&c.Orchestrator.StartRetries, 3)
	setInt(&c.Orchestrator.LockRetries, 3)
	setDuration(&c.Orchestrator.LockWait, 10*time.Second)

	setDuration(&c.Agent.CommandTimeout, 2*time.Minute)
	setDuration(&c.Agent.ConnectTimeout, 5*time.Second)
	setDuration(&c.Agent.ShutdownTimeout, time.Minute)

	setDuration(&c.PowerState.PingInterval, 60*time.Second)
	setInt(&c.PowerState.GracefulFactor, 2)

	setDuration(&c.WorkItems.StaleThreshold, 10*time.Minute)
	setDuration(&c.WorkItems.ScanInterval, time.Minute)
	setDuration(&c.WorkItems.PollInterval, 2*time.Second)

	setInt(&c.HA.MaxAttempts, 3)
	setDuration(&c.HA.RetryDelay, 30*time.Second)

	for i := range c.Hosts {
		if c.Hosts[i].HypervisorType == "" {
			c.Hosts[i].HypervisorType = "kvm"
		}
	}
	for i := range c.Pools {
		if c.Pools[i].Scope == "" {
			c.Pools[i].Scope = "zone"
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9464"
	}
	setDuration(&c.Alerts.DedupWindow, time.Hour)
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *Duration, def time.Duration) {
	if *v <= 0 {
		*v = Duration(def)
	}
}

// GracefulPeriod returns how long a VM may be missing from reports.
func (p PowerStateConfig) GracefulPeriod() time.Duration {
	return time.Duration(p.GracefulFactor) * p.PingInterval.D()
}

// Validate checks the configuration for errors. It does not contact hosts
// or the store.
func (c *Config) Validate() error {
	if c.Node == "" {
		return fmt.Errorf("node is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store: dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store: driver must be memory or postgres, got %q", c.Store.Driver)
	}

	switch c.Queue.Lease {
	case "local":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("queue: lease redis needs redis.address")
		}
	default:
		return fmt.Errorf("queue: lease must be local or redis, got %q", c.Queue.Lease)
	}
	// a shared store means more than one process runs operations
	if c.Store.Driver == "postgres" && c.Queue.Lease == "local" {
		return fmt.Errorf("queue: lease local cannot coordinate processes sharing the postgres store, use lease redis")
	}
	if c.Queue.LeaseTTL.D() < c.Queue.PollInterval.D() {
		return fmt.Errorf("queue: lease_ttl (%s) must not be shorter than poll_interval (%s)",
			c.Queue.LeaseTTL.D(), c.Queue.PollInterval.D())
	}

	if c.PowerState.GracefulFactor < 1 {
		return fmt.Errorf("power_state: graceful_factor must be >= 1, got %d", c.PowerState.GracefulFactor)
	}
	if c.WorkItems.StaleThreshold.D() <= c.WorkItems.ScanInterval.D() {
		return fmt.Errorf("work_items: stale_threshold (%s) must be longer than scan_interval (%s)",
			c.WorkItems.StaleThreshold.D(), c.WorkItems.ScanInterval.D())
	}
	// a start may retry the whole agent batch before its item moves on
	if budget := time.Duration(c.Orchestrator.StartRetries) * c.Agent.CommandTimeout.D(); c.WorkItems.StaleThreshold.D() <= budget {
		return fmt.Errorf("work_items: stale_threshold (%s) must be longer than start_retries x agent.command_timeout (%s)",
			c.WorkItems.StaleThreshold.D(), budget)
	}

	if err := c.validateHosts(); err != nil {
		return err
	}
	if err := c.validatePools(); err != nil {
		return err
	}
	if err := c.validateNetworks(); err != nil {
		return err
	}
	if err := c.validateCatalog(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("logging: format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateHosts() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one hosts entry is required")
	}
	seen := make(map[string]bool)
	usesSSH := false
	for i, h := range c.Hosts {
		if !idPattern.MatchString(h.ID) {
			return fmt.Errorf("hosts[%d]: invalid id %q", i, h.ID)
		}
		if seen[h.ID] {
			return fmt.Errorf("hosts[%d]: duplicate id %q", i, h.ID)
		}
		seen[h.ID] = true
		if h.ZoneID == "" {
			return fmt.Errorf("hosts[%d]: zone is required", i)
		}
		if h.VCPUs <= 0 || h.MemoryMiB <= 0 {
			return fmt.Errorf("hosts[%d]: vcpus and memory_mib must be > 0", i)
		}
		if strings.HasPrefix(h.Address, "ssh://") {
			usesSSH = true
		}
	}
	if usesSSH && (c.Agent.SSH.KeyFile == "" || c.Agent.SSH.KnownHostsFile == "") {
		return fmt.Errorf("agent: ssh host addresses need ssh.key_file and ssh.known_hosts_file")
	}
	return nil
}

func (c *Config) validatePools() error {
	hosts := make(map[string]HostConfig, len(c.Hosts))
	for _, h := range c.Hosts {
		hosts[h.ID] = h
	}
	seen := make(map[string]bool)
	for i, p := range c.Pools {
		if !idPattern.MatchString(p.ID) {
			return fmt.Errorf("pools[%d]: invalid id %q", i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("pools[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Path == "" {
			return fmt.Errorf("pools[%d]: path is required", i)
		}
		if p.CapacityGB <= 0 {
			return fmt.Errorf("pools[%d]: capacity_gb must be > 0, got %d", i, p.CapacityGB)
		}
		switch p.Scope {
		case "host":
			h, ok := hosts[p.HostID]
			if !ok {
				return fmt.Errorf("pools[%d]: host scope needs a known host, got %q", i, p.HostID)
			}
			if p.ZoneID != "" && p.ZoneID != h.ZoneID {
				return fmt.Errorf("pools[%d]: zone %q does not match host %s", i, p.ZoneID, h.ID)
			}
		case "cluster":
			if p.ClusterID == "" {
				return fmt.Errorf("pools[%d]: cluster scope needs cluster", i)
			}
		case "zone":
			if p.ZoneID == "" {
				return fmt.Errorf("pools[%d]: zone scope needs zone", i)
			}
		default:
			return fmt.Errorf("pools[%d]: scope must be host, cluster or zone, got %q", i, p.Scope)
		}
	}
	return nil
}

func (c *Config) validateNetworks() error {
	seen := make(map[string]bool)
	for i, n := range c.Networks {
		if !idPattern.MatchString(n.ID) {
			return fmt.Errorf("networks[%d]: invalid id %q", i, n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("networks[%d]: duplicate id %q", i, n.ID)
		}
		seen[n.ID] = true
		if n.Bridge == "" {
			return fmt.Errorf("networks[%d]: bridge is required", i)
		}
		_, ipnet, err := net.ParseCIDR(n.CIDR)
		if err != nil {
			return fmt.Errorf("networks[%d]: invalid cidr %q: %w", i, n.CIDR, err)
		}
		gw := net.ParseIP(n.Gateway)
		if gw == nil {
			return fmt.Errorf("networks[%d]: invalid gateway IP address %q", i, n.Gateway)
		}
		if !ipnet.Contains(gw) {
			return fmt.Errorf("networks[%d]: gateway %s is outside %s", i, n.Gateway, n.CIDR)
		}
	}
	return nil
}

func (c *Config) validateCatalog() error {
	seen := make(map[string]bool)
	for i, o := range c.Offerings {
		if o.ID == "" || seen[o.ID] {
			return fmt.Errorf("offerings[%d]: missing or duplicate id %q", i, o.ID)
		}
		seen[o.ID] = true
		if o.VCPUs <= 0 || o.MemoryMiB <= 0 {
			return fmt.Errorf("offerings[%d]: vcpus and memory_mib must be > 0", i)
		}
	}
	seen = make(map[string]bool)
	for i, t := range c.Templates {
		if t.ID == "" || seen[t.ID] {
			return fmt.Errorf("templates[%d]: missing or duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if t.Path == "" {
			return fmt.Errorf("templates[%d]: path is required", i)
		}
	}
	return nil
}

// Host returns the host with id.
func (c *Config) Host(id string) (HostConfig, bool) {
	for _, h := range c.Hosts {
		if h.ID == id {
			return h, true
		}
	}
	return HostConfig{}, false
}

// LoadFromFile loads a configuration from a YAML file, applies defaults and
// validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}
