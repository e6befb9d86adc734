// Package config defines the agent configuration file and the hot-reloadable
// store that serves immutable snapshots of it to every subsystem.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Permission bits gate which command families a group may invoke.
const (
	PermissionNone          uint64 = 0
	PermissionExecute       uint64 = 1 << 0
	PermissionTalk          uint64 = 1 << 1
	PermissionGroup         uint64 = 1 << 2
	PermissionNotifications uint64 = 1 << 3
	PermissionDirectory     uint64 = 1 << 4
	PermissionSystem        uint64 = 1 << 5
	PermissionBan           uint64 = 1 << 6
	PermissionSchedule      uint64 = 1 << 7
	PermissionAll           uint64 = ^uint64(0)
)

// GroupConfig describes one tenant. Groups are immutable during a request
// and replaced wholesale on reload.
type GroupConfig struct {
	UUID          string `yaml:"uuid"`
	Name          string `yaml:"name"`
	Password      string `yaml:"password"`
	Permissions   uint64 `yaml:"permissions"`
	Notifications uint64 `yaml:"notifications"`
	Workers       int    `yaml:"workers"`
	Schedules     uint64 `yaml:"schedules"`
}

// ID returns the group UUID in parsed form.
func (g *GroupConfig) ID() uuid.UUID {
	id, _ := uuid.Parse(g.UUID)
	return id
}

// ScheduleAllowed reports whether the group's hour mask permits scheduled
// commands to fire at t. A zero mask means every hour is allowed; otherwise
// bit N covers hour N of the day.
func (g *GroupConfig) ScheduleAllowed(t time.Time) bool {
	return g.Schedules == 0 || g.Schedules&(1<<uint(t.Hour())) != 0
}

// PeerConfig describes one statically configured horde peer.
type PeerConfig struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	SharedSecret string `yaml:"shared_secret"`
	SyncMask     uint64 `yaml:"sync_mask"`
}

// EtcdConfig holds etcd-specific discovery configuration.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// DiscoveryConfig enables etcd-based peer discovery in addition to the
// statically configured peer list. Discovered peers authenticate with the
// shared credentials below.
type DiscoveryConfig struct {
	Enable       bool       `yaml:"enable"`
	Etcd         EtcdConfig `yaml:"etcd"`
	Username     string     `yaml:"username"`
	Password     string     `yaml:"password"`
	SharedSecret string     `yaml:"shared_secret"`
	SyncMask     uint64     `yaml:"sync_mask"`
}

// HordeConfig configures the peer synchronization subsystem.
type HordeConfig struct {
	Enable       bool            `yaml:"enable"`
	Name         string          `yaml:"name"`
	ListenAddr   string          `yaml:"listen_addr"`
	Username     string          `yaml:"username"`
	Password     string          `yaml:"password"`
	SharedSecret string          `yaml:"shared_secret"`
	Contribution int             `yaml:"contribution"`
	Balance      string          `yaml:"balance"` // "unison" or "weighted"
	Peers        []PeerConfig    `yaml:"peers"`
	Discovery    DiscoveryConfig `yaml:"discovery"`
}

// MasterConfig enables the global override password.
type MasterConfig struct {
	Enable   bool   `yaml:"enable"`
	Password string `yaml:"password"`
}

// PostgresConfig holds PostgreSQL state-store connection configuration.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // Use "require" in production
}

// ConnectionString builds a lib/pq connection string.
func (p *PostgresConfig) ConnectionString() string {
	sslmode := p.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, sslmode)
}

// PersistenceConfig selects the state persistence provider.
type PersistenceConfig struct {
	Provider string         `yaml:"provider"` // "file" or "postgres"
	Dir      string         `yaml:"dir"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// QueueConfig bounds the delivery queues.
type QueueConfig struct {
	Callback int `yaml:"callback"`
	Push     int `yaml:"push"`
	TCP      int `yaml:"tcp"`
	Side     int `yaml:"side"`
}

// TCPConfig configures the TLS notification push listener.
type TCPConfig struct {
	Enable     bool   `yaml:"enable"`
	ListenAddr string `yaml:"listen_addr"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
}

// TimeoutConfig holds the uniform service timeouts.
type TimeoutConfig struct {
	Services time.Duration `yaml:"services"`
	Callback time.Duration `yaml:"callback"`
	Schedule time.Duration `yaml:"schedule"` // TTL for scheduled command admission
}

// Config is the root configuration structure.
type Config struct {
	Version     int               `yaml:"version"`
	Name        string            `yaml:"name"` // instance name
	Master      MasterConfig      `yaml:"master"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Queues      QueueConfig       `yaml:"queues"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Horde       HordeConfig       `yaml:"horde"`
	TCP         TCPConfig         `yaml:"tcp"`
	Groups      []GroupConfig     `yaml:"groups"`
	ContentType string            `yaml:"content_type"` // callback POST content type
	ChatLog     string            `yaml:"chat_log"`     // message log file, empty disables
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Timeouts.Services == 0 {
		c.Timeouts.Services = 60 * time.Second
	}
	if c.Timeouts.Callback == 0 {
		c.Timeouts.Callback = c.Timeouts.Services
	}
	if c.Timeouts.Schedule == 0 {
		c.Timeouts.Schedule = time.Hour
	}
	if c.Queues.Callback == 0 {
		c.Queues.Callback = 100
	}
	if c.Queues.Push == 0 {
		c.Queues.Push = 100
	}
	if c.Queues.TCP == 0 {
		c.Queues.TCP = 100
	}
	if c.Queues.Side == 0 {
		c.Queues.Side = 100
	}
	if c.Persistence.Provider == "" {
		c.Persistence.Provider = "file"
	}
	if c.Persistence.Dir == "" {
		c.Persistence.Dir = "state"
	}
	if c.Horde.Balance == "" {
		c.Horde.Balance = "weighted"
	}
	if c.Horde.Contribution == 0 {
		c.Horde.Contribution = 1
	}
	if c.ContentType == "" {
		c.ContentType = "application/x-www-form-urlencoded"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if c.Name == "" {
		return fmt.Errorf("instance name is required")
	}

	switch c.Persistence.Provider {
	case "file", "postgres":
	default:
		return fmt.Errorf("unsupported persistence provider: %s", c.Persistence.Provider)
	}

	switch c.Horde.Balance {
	case "unison", "weighted":
	default:
		return fmt.Errorf("unsupported horde balance strategy: %s", c.Horde.Balance)
	}

	groupIDs := make(map[string]bool)
	groupNames := make(map[string]bool)
	for i, group := range c.Groups {
		if group.UUID == "" {
			return fmt.Errorf("group %d: uuid is required", i)
		}
		if _, err := uuid.Parse(group.UUID); err != nil {
			return fmt.Errorf("group %d: invalid uuid %q: %w", i, group.UUID, err)
		}
		if group.Name == "" {
			return fmt.Errorf("group %s: name is required", group.UUID)
		}
		if groupIDs[group.UUID] {
			return fmt.Errorf("duplicate group uuid: %s", group.UUID)
		}
		groupIDs[group.UUID] = true
		lower := strings.ToLower(group.Name)
		if groupNames[lower] {
			return fmt.Errorf("duplicate group name: %s", group.Name)
		}
		groupNames[lower] = true
		if group.Workers <= 0 {
			return fmt.Errorf("group %s: workers must be positive", group.Name)
		}
	}

	peerNames := make(map[string]bool)
	for i, peer := range c.Horde.Peers {
		if peer.Name == "" {
			return fmt.Errorf("peer %d: name is required", i)
		}
		if peerNames[peer.Name] {
			return fmt.Errorf("duplicate peer name: %s", peer.Name)
		}
		peerNames[peer.Name] = true
		if peer.URL == "" {
			return fmt.Errorf("peer %s: url is required", peer.Name)
		}
	}

	if c.Horde.Discovery.Enable {
		if len(c.Horde.Discovery.Etcd.Endpoints) == 0 {
			return fmt.Errorf("at least one etcd endpoint is required for discovery")
		}
		if c.Horde.Discovery.Etcd.Prefix == "" {
			return fmt.Errorf("etcd prefix is required for discovery")
		}
	}

	if c.TCP.Enable {
		if c.TCP.ListenAddr == "" {
			return fmt.Errorf("tcp listen_addr is required")
		}
		if c.TCP.CertFile == "" || c.TCP.KeyFile == "" {
			return fmt.Errorf("tcp cert_file and key_file are required")
		}
	}

	return nil
}

// GroupByName finds a group by its display name, case-insensitively.
func (c *Config) GroupByName(name string) *GroupConfig {
	for i := range c.Groups {
		if strings.EqualFold(c.Groups[i].Name, name) {
			return &c.Groups[i]
		}
	}
	return nil
}

// GroupByUUID finds a group by its UUID string.
func (c *Config) GroupByUUID(id string) *GroupConfig {
	for i := range c.Groups {
		if strings.EqualFold(c.Groups[i].UUID, id) {
			return &c.Groups[i]
		}
	}
	return nil
}

// FindGroup resolves a group reference that may be either a display name or
// a UUID string.
func (c *Config) FindGroup(ref string) *GroupConfig {
	if ref == "" {
		return nil
	}
	if _, err := uuid.Parse(ref); err == nil {
		if g := c.GroupByUUID(ref); g != nil {
			return g
		}
	}
	return c.GroupByName(ref)
}
