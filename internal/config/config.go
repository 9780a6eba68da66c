// Package config provides configuration loading for the replication engine.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/wcpos/query/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. WCPOS_QUERY_REMOTE_BASEURL
const EnvPrefix = "WCPOS_QUERY"

const (
	// DefaultLocale is used when no locale is configured
	DefaultLocale = "en"
	// DefaultTimeout bounds every remote request
	DefaultTimeout = 10 * time.Second
	// DefaultMaxRetries is the number of tries per remote request
	DefaultMaxRetries = 3
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

type loaderConfig struct {
	path string
	env  *viper.Viper
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks so the traversal check sees the real target
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}
		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// WithEnv reads overrides from v instead of the process environment
func WithEnv(v *viper.Viper) Option {
	return func(cfg *loaderConfig) error {
		if v == nil {
			return fmt.Errorf("viper instance is required")
		}
		cfg.env = v
		return nil
	}
}

// NewEnv returns a viper instance bound to the prefixed process environment
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Config represents the root configuration structure
type Config struct {
	// Locale selects the content language; a different locale is a different local store
	Locale      string             `yaml:"locale,omitempty"`
	Remote      RemoteConfig       `yaml:"remote"`
	Store       StoreConfig        `yaml:"store,omitempty"`
	Replication ReplicationConfig  `yaml:"replication,omitempty"`
	Collections []CollectionConfig `yaml:"collections"`
	Queries     []QueryConfig      `yaml:"queries,omitempty"`
	Telemetry   *telemetry.Config  `yaml:"telemetry,omitempty"`
}

// RemoteConfig defines the remote REST source
type RemoteConfig struct {
	// BaseURL is prefixed to every collection endpoint
	BaseURL string `yaml:"baseURL"`

	// Timeout bounds each request, retries included
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxRetries is the number of tries for transport errors, 5xx and 429
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// Headers are sent with every request
	Headers map[string]string `yaml:"headers,omitempty"`

	// Token is sent as a bearer token. Prefer WCPOS_QUERY_REMOTE_TOKEN over the file.
	Token string `yaml:"token,omitempty"`
}

// StoreConfig defines local persistence
type StoreConfig struct {
	// Path is the SQLite file; empty keeps documents in memory only
	Path string `yaml:"path,omitempty"`

	// StatusPath is the directory replication checkpoints are written to
	StatusPath string `yaml:"statusPath,omitempty"`
}

// ReplicationConfig tunes the fetch protocol. Zero values fall back to engine defaults.
type ReplicationConfig struct {
	PollInterval           time.Duration `yaml:"pollInterval,omitempty"`
	CollectionPollInterval time.Duration `yaml:"collectionPollInterval,omitempty"`
	PerPage                int           `yaml:"perPage,omitempty"`
	BatchSize              int           `yaml:"batchSize,omitempty"`
	ExcludeRatio           float64       `yaml:"excludeRatio,omitempty"`
	MaxGetIDs              int           `yaml:"maxGetIDs,omitempty"`
	RemoveStale            bool          `yaml:"removeStale,omitempty"`
}

// CollectionConfig defines one local collection and its remote endpoint
type CollectionConfig struct {
	Name string `yaml:"name"`

	// Endpoint defaults to Name
	Endpoint string `yaml:"endpoint,omitempty"`

	PrimaryKey    string `yaml:"primaryKey,omitempty"`
	RemoteIDField string `yaml:"remoteIDField,omitempty"`
	ModifiedField string `yaml:"modifiedField,omitempty"`

	// SearchFields are indexed for full-text search
	SearchFields []string `yaml:"searchFields,omitempty"`

	// References maps a document field to the collection its embedded records belong to
	References map[string]string `yaml:"references,omitempty"`
}

// QueryConfig defines a query registered at startup
type QueryConfig struct {
	Keys          []any          `yaml:"keys"`
	Collection    string         `yaml:"collection"`
	SortBy        string         `yaml:"sortBy,omitempty"`
	SortDirection string         `yaml:"sortDirection,omitempty"`
	Search        string         `yaml:"search,omitempty"`
	Where         map[string]any `yaml:"where,omitempty"`
	Greedy        bool           `yaml:"greedy,omitempty"`
}

// LoadConfig loads, overrides, defaults and validates configuration
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if loaderCfg.env == nil {
		loaderCfg.env = NewEnv()
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.applyEnv(loaderCfg.env); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// applyEnv overrides scalar settings from the environment
func (c *Config) applyEnv(v *viper.Viper) error {
	setString := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	setDuration := func(key string, dst *time.Duration) error {
		s := v.GetString(key)
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	setInt := func(key string, dst *int) error {
		s := v.GetString(key)
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	setString("locale", &c.Locale)
	setString("remote.baseurl", &c.Remote.BaseURL)
	setString("remote.token", &c.Remote.Token)
	setString("store.path", &c.Store.Path)
	setString("store.statuspath", &c.Store.StatusPath)

	return errors.Join(
		setDuration("remote.timeout", &c.Remote.Timeout),
		setInt("remote.maxretries", &c.Remote.MaxRetries),
		setDuration("replication.pollinterval", &c.Replication.PollInterval),
		setDuration("replication.collectionpollinterval", &c.Replication.CollectionPollInterval),
		setInt("replication.perpage", &c.Replication.PerPage),
	)
}

func (c *Config) applyDefaults() {
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = DefaultTimeout
	}
	if c.Remote.MaxRetries == 0 {
		c.Remote.MaxRetries = DefaultMaxRetries
	}
	for i := range c.Collections {
		if c.Collections[i].Endpoint == "" {
			c.Collections[i].Endpoint = c.Collections[i].Name
		}
	}
}

// Collection returns the collection named name
func (c *Config) Collection(name string) (CollectionConfig, bool) {
	for _, coll := range c.Collections {
		if coll.Name == name {
			return coll, true
		}
	}
	return CollectionConfig{}, false
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := c.Remote.validate(); err != nil {
		return err
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if c.Remote.MaxRetries < 0 {
		return fmt.Errorf("remote.maxRetries must not be negative")
	}
	if err := c.Replication.validate(); err != nil {
		return err
	}

	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection must be configured")
	}
	names := make(map[string]bool)
	for i, coll := range c.Collections {
		if coll.Name == "" {
			return fmt.Errorf("collections[%d]: name is required", i)
		}
		if names[coll.Name] {
			return fmt.Errorf("collections[%d]: duplicate collection name '%s'", i, coll.Name)
		}
		names[coll.Name] = true
	}
	for i, coll := range c.Collections {
		for field, target := range coll.References {
			if !names[target] {
				return fmt.Errorf("collections[%d] (%s): reference %s targets unknown collection '%s'",
					i, coll.Name, field, target)
			}
		}
	}

	keys := make(map[string]bool)
	for i, q := range c.Queries {
		if len(q.Keys) == 0 {
			return fmt.Errorf("queries[%d]: keys are required", i)
		}
		key, err := json.Marshal(q.Keys)
		if err != nil {
			return fmt.Errorf("queries[%d]: keys must be JSON serialisable: %w", i, err)
		}
		if keys[string(key)] {
			return fmt.Errorf("queries[%d]: duplicate keys %s", i, key)
		}
		keys[string(key)] = true
		if !names[q.Collection] {
			return fmt.Errorf("queries[%d]: unknown collection '%s'", i, q.Collection)
		}
		switch strings.ToLower(q.SortDirection) {
		case "", "asc", "desc":
		default:
			return fmt.Errorf("queries[%d]: sortDirection must be asc or desc, got %s", i, q.SortDirection)
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

func (r *RemoteConfig) validate() error {
	if r.BaseURL == "" {
		return fmt.Errorf("remote.baseURL is required")
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return fmt.Errorf("remote.baseURL is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("remote.baseURL must be an http or https URL, got %s", r.BaseURL)
	}
	return nil
}

func (r *ReplicationConfig) validate() error {
	if r.PollInterval < 0 || r.CollectionPollInterval < 0 {
		return fmt.Errorf("replication poll intervals must not be negative")
	}
	if r.PerPage < 0 || r.BatchSize < 0 || r.MaxGetIDs < 0 {
		return fmt.Errorf("replication page sizes must not be negative")
	}
	if r.ExcludeRatio < 0 {
		return fmt.Errorf("replication.excludeRatio must not be negative")
	}
	return nil
}
