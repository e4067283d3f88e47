package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the protocol engine.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Auth     AuthConfig     `yaml:"auth"`
	Backend  BackendConfig  `yaml:"backend"`
	Compiler CompilerConfig `yaml:"compiler"`
	Dump     DumpConfig     `yaml:"dump"`
}

// ListenConfig defines the bind address and TLS material for the
// client-facing listener and the admin HTTP surface.
type ListenConfig struct {
	Bind      string `yaml:"bind"`
	Port      int    `yaml:"port"`
	AdminBind string `yaml:"admin_bind"`
	AdminPort int    `yaml:"admin_port"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// ProtocolConfig bounds the protocol versions this engine will negotiate.
type ProtocolConfig struct {
	MinMajor     uint16 `yaml:"min_major"`
	MinMinor     uint16 `yaml:"min_minor"`
	CurrentMajor uint16 `yaml:"current_major"`
	CurrentMinor uint16 `yaml:"current_minor"`
}

// AuthConfig names the SASL mechanism preference order, the frontend
// accounts clients may authenticate as, and the JWT key material used to
// validate bearer tokens.
type AuthConfig struct {
	SASLMechanisms   []string     `yaml:"sasl_mechanisms"`
	Users            []UserConfig `yaml:"users"`
	JWTPublicKeyPath string       `yaml:"jwt_public_key_path"`
	JWTAlgorithm     string       `yaml:"jwt_algorithm"`
}

// UserConfig describes one frontend-facing account. Password is a
// plaintext provisioning convenience; StoredKey/ServerKey/Salt let an
// operator ship pre-derived SCRAM credentials instead (see
// auth.DeriveSCRAMCredentials).
type UserConfig struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password,omitempty"`
	StoredKey  string `yaml:"stored_key,omitempty"`
	ServerKey  string `yaml:"server_key,omitempty"`
	Salt       string `yaml:"salt,omitempty"`
	Iterations int    `yaml:"iterations,omitempty"`
}

// BackendConfig describes the single PG-family backend this engine
// fronts, and the pool timeouts used to reach it.
type BackendConfig struct {
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	Database       string         `yaml:"database"`
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
}

// Redacted returns a copy of the BackendConfig with the password masked.
func (b BackendConfig) Redacted() BackendConfig {
	c := b
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// EffectiveMinConnections returns the configured min connections or a default.
func (b BackendConfig) EffectiveMinConnections() int {
	if b.MinConnections != nil {
		return *b.MinConnections
	}
	return 2
}

// EffectiveMaxConnections returns the configured max connections or a default.
func (b BackendConfig) EffectiveMaxConnections() int {
	if b.MaxConnections != nil {
		return *b.MaxConnections
	}
	return 20
}

// EffectiveIdleTimeout returns the configured idle timeout or a default.
func (b BackendConfig) EffectiveIdleTimeout() time.Duration {
	if b.IdleTimeout != nil {
		return *b.IdleTimeout
	}
	return 5 * time.Minute
}

// EffectiveMaxLifetime returns the configured max connection lifetime or a default.
func (b BackendConfig) EffectiveMaxLifetime() time.Duration {
	if b.MaxLifetime != nil {
		return *b.MaxLifetime
	}
	return 30 * time.Minute
}

// EffectiveAcquireTimeout returns the configured pool acquire timeout or a default.
func (b BackendConfig) EffectiveAcquireTimeout() time.Duration {
	if b.AcquireTimeout != nil {
		return *b.AcquireTimeout
	}
	return 10 * time.Second
}

// EffectiveDialTimeout returns the configured dial timeout or a default.
func (b BackendConfig) EffectiveDialTimeout() time.Duration {
	if b.DialTimeout != nil {
		return *b.DialTimeout
	}
	return 5 * time.Second
}

// CompilerConfig holds the compiler address and timeout. cmd/protoengine
// does not read Address: it always wires the in-process compiler.Local.
type CompilerConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// DumpConfig bounds the dump engine's block queue.
type DumpConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 5656
	}
	if cfg.Listen.Bind == "" {
		cfg.Listen.Bind = "0.0.0.0"
	}
	if cfg.Listen.AdminPort == 0 {
		cfg.Listen.AdminPort = 8080
	}
	if cfg.Listen.AdminBind == "" {
		cfg.Listen.AdminBind = "127.0.0.1"
	}
	if cfg.Protocol.CurrentMajor == 0 {
		cfg.Protocol.CurrentMajor = 7
	}
	if len(cfg.Auth.SASLMechanisms) == 0 {
		cfg.Auth.SASLMechanisms = []string{"SCRAM-SHA-256"}
	}
	if cfg.Auth.JWTAlgorithm == "" {
		cfg.Auth.JWTAlgorithm = "RS256"
	}
	if cfg.Compiler.Timeout == 0 {
		cfg.Compiler.Timeout = 10 * time.Second
	}
	if cfg.Dump.QueueCapacity == 0 {
		cfg.Dump.QueueCapacity = 2
	}
}

func validate(cfg *Config) error {
	if cfg.Backend.Host == "" {
		return fmt.Errorf("backend: host is required")
	}
	if cfg.Backend.Port == 0 {
		return fmt.Errorf("backend: port is required")
	}
	if cfg.Backend.Database == "" {
		return fmt.Errorf("backend: database is required")
	}
	if cfg.Backend.Username == "" {
		return fmt.Errorf("backend: username is required")
	}
	if cfg.Protocol.MinMajor > cfg.Protocol.CurrentMajor && cfg.Protocol.CurrentMajor != 0 {
		return fmt.Errorf("protocol: min_major must not exceed current_major")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads.
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
