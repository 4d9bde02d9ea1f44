// Package config handles configuration persistence for the abtagd daemon.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srdgame/libplctag-sub000/logix"
	"github.com/srdgame/libplctag-sub000/session"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete daemon configuration.
type Config struct {
	Namespace string          `yaml:"namespace"` // topic/key prefix for published values
	PollRate  time.Duration   `yaml:"poll_rate"`
	Library   LibraryConfig   `yaml:"library,omitempty"`
	Gateways  []GatewayConfig `yaml:"gateways"`
	Web       WebConfig       `yaml:"web"`
	MQTT      []MQTTConfig    `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig  `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig   `yaml:"kafka,omitempty"`
	UI        UIConfig        `yaml:"ui,omitempty"`

	// dataMu protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// LibraryConfig tunes the tag library.
type LibraryConfig struct {
	PollInterval time.Duration `yaml:"poll_interval,omitempty"` // poller period, default 1ms
	Timeout      time.Duration `yaml:"timeout,omitempty"`       // per read/write wait, default 5s
	DebugLevel   int           `yaml:"debug_level,omitempty"`
}

// GatewayConfig is one controller reached through an EtherNet/IP gateway.
type GatewayConfig struct {
	Name      string      `yaml:"name"`
	Enabled   bool        `yaml:"enabled"`
	Address   string      `yaml:"address"`          // host or host:port
	Path      string      `yaml:"path,omitempty"`   // route, e.g. "1,0"
	Family    string      `yaml:"family,omitempty"` // controllogix (default) or micro800
	Connected *bool       `yaml:"connected,omitempty"`
	Tags      []TagConfig `yaml:"tags"`
}

// TagConfig is one polled tag.
type TagConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`            // Logix atomic type name, e.g. DINT
	Count       int    `yaml:"count,omitempty"` // elements, default 1
	Writable    bool   `yaml:"writable,omitempty"`
	ReadCacheMS int    `yaml:"read_cache_ms,omitempty"`
}

// UIConfig stores terminal monitor preferences.
type UIConfig struct {
	ASCIIMode bool `yaml:"ascii_mode,omitempty"` // ASCII borders for terminals without Unicode
}

// WebConfig holds the HTTP API server configuration.
type WebConfig struct {
	Enabled       bool      `yaml:"enabled"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port"`
	SessionSecret string    `yaml:"session_secret,omitempty"`
	Users         []WebUser `yaml:"users,omitempty"`
}

// WebUser is an API user.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Pub/Sub notification per change
	Writeback      bool          `yaml:"writeback,omitempty"`       // consume <root>:writes
}

// KafkaConfig holds Kafka producer configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"` // default <namespace>.values
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	BatchTimeout  time.Duration `yaml:"batch_timeout,omitempty"`
}

// DefaultConfig returns a new config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "abtagd",
		PollRate:  time.Second,
		Library: LibraryConfig{
			PollInterval: time.Millisecond,
			Timeout:      5 * time.Second,
		},
		Gateways: []GatewayConfig{},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".abtagd", "config.yaml")
}

// Load reads the configuration from path. A missing file yields the
// defaults, which are written back best-effort.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path) // best effort
	}
	return cfg, nil
}

// Validate checks names, families, routes and tag types.
func (c *Config) Validate() error {
	var errs []error
	if c.PollRate <= 0 {
		errs = append(errs, fmt.Errorf("poll_rate must be positive"))
	}
	seen := map[string]bool{}
	for _, g := range c.Gateways {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("gateway with address %q has no name", g.Address))
			continue
		}
		if seen[g.Name] {
			errs = append(errs, fmt.Errorf("duplicate gateway %q", g.Name))
		}
		seen[g.Name] = true
		if err := g.validate(); err != nil {
			errs = append(errs, fmt.Errorf("gateway %s: %w", g.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (g *GatewayConfig) validate() error {
	if g.Address == "" {
		return fmt.Errorf("address is required")
	}
	fam, err := session.ParseFamily(g.FamilyName())
	if err != nil {
		return err
	}
	if fam.NeedsPath() && g.Path == "" {
		return fmt.Errorf("%s requires a path", fam)
	}
	tags := map[string]bool{}
	for _, t := range g.Tags {
		if t.Name == "" {
			return fmt.Errorf("tag with no name")
		}
		if tags[t.Name] {
			return fmt.Errorf("duplicate tag %q", t.Name)
		}
		tags[t.Name] = true
		if _, ok := logix.TypeCodeFromName(t.Type); !ok {
			return fmt.Errorf("tag %s: unknown type %q", t.Name, t.Type)
		}
		if t.Count < 0 || t.Count > 0xFFFF {
			return fmt.Errorf("tag %s: count %d out of range", t.Name, t.Count)
		}
	}
	return nil
}

// FamilyName returns the configured family or the Logix default.
func (g *GatewayConfig) FamilyName() string {
	if g.Family == "" {
		return "controllogix"
	}
	return g.Family
}

// UseConnected reports whether connected messaging is used (default true).
func (g *GatewayConfig) UseConnected() bool {
	return g.Connected == nil || *g.Connected
}

// Attributes builds the tag attribute string for t on this gateway.
func (g *GatewayConfig) Attributes(t TagConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "protocol=ab_eip&gateway=%s&plc=%s&name=%s&elem_type=%s",
		g.Address, g.FamilyName(), t.Name, t.Type)
	if g.Path != "" {
		fmt.Fprintf(&sb, "&path=%s", g.Path)
	}
	if t.Count > 1 {
		fmt.Fprintf(&sb, "&elem_count=%d", t.Count)
	}
	if !g.UseConnected() {
		sb.WriteString("&use_connected_msg=0")
	}
	if t.ReadCacheMS > 0 {
		fmt.Fprintf(&sb, "&read_cache_ms=%d", t.ReadCacheMS)
	}
	return sb.String()
}

// FindTag returns the named tag or nil.
func (g *GatewayConfig) FindTag(name string) *TagConfig {
	for i := range g.Tags {
		if g.Tags[i].Name == name {
			return &g.Tags[i]
		}
	}
	return nil
}

// AddOnChangeListener registers a callback invoked after every save.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}
	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener unregisters a callback.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data lock.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data lock without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save writes the config to path.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave saves with the lock already held and releases it.
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // marshal under the lock, write without it

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindGateway returns the named gateway or nil.
func (c *Config) FindGateway(name string) *GatewayConfig {
	for i := range c.Gateways {
		if c.Gateways[i].Name == name {
			return &c.Gateways[i]
		}
	}
	return nil
}

// AddGateway appends a gateway.
func (c *Config) AddGateway(g GatewayConfig) {
	c.Gateways = append(c.Gateways, g)
}

// RemoveGateway removes the named gateway.
func (c *Config) RemoveGateway(name string) bool {
	for i, g := range c.Gateways {
		if g.Name == name {
			c.Gateways = append(c.Gateways[:i], c.Gateways[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateGateway replaces the named gateway.
func (c *Config) UpdateGateway(name string, updated GatewayConfig) bool {
	for i, g := range c.Gateways {
		if g.Name == name {
			c.Gateways[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the named MQTT config or nil.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the named Valkey config or nil.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the named Kafka config or nil.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}
