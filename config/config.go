package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// FileName is the canonical name of the configuration file.
	FileName = "httpdns.json"
	// systemConfigPath is the location checked last when resolving the config.
	systemConfigPath = "/etc/" + FileName
)

// RegionSourceType is how the region endpoint table override is provided: local file, HTTP(S) URL, or git repo.
const (
	RegionSourceFile = "file"
	RegionSourceURL  = "url"
	RegionSourceGit  = "git"
)

// Known service regions.
var Regions = []string{"cn", "hk", "sg", "de", "us"}

// RegionSourceConfig describes where to load the region endpoint table from.
// When nil the built-in table is used. For url/git, RefreshIntervalSeconds controls re-fetch interval.
type RegionSourceConfig struct {
	Type                   string `json:"type"`
	Location               string `json:"location"`
	RefreshIntervalSeconds int    `json:"refresh_interval_seconds,omitempty"`
}

// FileLocations describes the files used by httpdns.
type FileLocations struct {
	Database     string              `json:"database"`
	RegionSource *RegionSourceConfig `json:"region_source,omitempty"`
}

// LogRotationMode is the log rotation strategy: "none", "size", or "time".
type LogRotationMode string

const (
	LogRotationNone LogRotationMode = "none"
	LogRotationSize LogRotationMode = "size"
	LogRotationTime LogRotationMode = "time"
)

// LogConfig holds logging directory, severity, and rotation settings.
type LogConfig struct {
	Dir            string          `json:"log_dir"`
	Severity       string          `json:"log_severity"`
	Rotation       LogRotationMode `json:"log_rotation"`
	RotationSizeMB int             `json:"log_rotation_size_mb"`
	RotationDays   int             `json:"log_rotation_time_days"`
}

// Config captures all persisted settings for httpdns.
type Config struct {
	AccountID string `json:"account_id"`
	SecretKey string `json:"secret_key,omitempty"`
	Region    string `json:"region"`

	HTTPS         bool   `json:"https"`
	TLSServerName string `json:"tls_server_name,omitempty"`
	IPv6Enabled   bool   `json:"ipv6"`

	ReuseExpiredIP               bool `json:"reuse_expired_ip"`
	PersistentCache              bool `json:"persistent_cache"`
	DiscardExpiredAfterSeconds   int  `json:"discard_expired_after_seconds"`
	PreResolveAfterNetworkChange bool `json:"pre_resolve_after_network_change"`
	NetworkCheckIntervalSeconds  int  `json:"network_check_interval_seconds"`

	TimeoutMs              int `json:"timeout_ms"`
	MaxRetries             int `json:"max_retries"`
	CoolDownSeconds        int `json:"cool_down_seconds"`
	RefreshIntervalSeconds int `json:"refresh_interval_seconds"`

	ProbeConcurrency int            `json:"probe_concurrency"`
	ProbePorts       map[string]int `json:"probe_ports,omitempty"`

	PreResolveHosts  []string          `json:"pre_resolve_hosts,omitempty"`
	SDNSGlobalParams map[string]string `json:"sdns_global_params,omitempty"`
	TTLOverrides     map[string]int64  `json:"ttl_overrides,omitempty"`

	DegradeToLocalDNS bool   `json:"degrade_to_local_dns"`
	LocalDNSServer    string `json:"local_dns_server,omitempty"`

	CacheCapacity int `json:"cache_capacity"`

	APIEnabled bool   `json:"api"`
	APIListen  string `json:"api_listen"`

	// ControlSocket is the unix socket the daemon serves the console on.
	ControlSocket string `json:"control_socket,omitempty"`

	FileLocations FileLocations `json:"file_locations"`
	Log           LogConfig     `json:"log"`
}

// Loaded contains the configuration together with metadata about the source file.
type Loaded struct {
	Path    string
	Created bool
	Config  Config
}

// Load resolves the httpdns configuration file, creating a default one if
// necessary, and returns the parsed configuration alongside metadata.
func Load() (*Loaded, error) {
	candidates, err := candidatePaths()
	if err != nil {
		return nil, err
	}

	for _, path := range candidates {
		cfg, err := readConfig(path)
		if err == nil {
			cfg.applyDefaults(filepath.Dir(path))
			return &Loaded{Path: path, Config: *cfg}, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	defaultDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: determine working directory: %w", err)
	}
	return LoadFromPath(defaultDir)
}

// resolveConfigPath returns the config file path. Directories (trailing
// separator, existing dir, or no extension) get FileName appended.
func resolveConfigPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("config: path is empty")
	}
	isDir := strings.HasSuffix(path, string(filepath.Separator))
	path = filepath.Clean(path)
	if path == "." && !isDir {
		return "", fmt.Errorf("config: path is empty")
	}
	if !isDir {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			isDir = true
		} else if !strings.Contains(filepath.Base(path), ".") {
			isDir = true
		}
	}
	if isDir {
		return filepath.Join(path, FileName), nil
	}
	return path, nil
}

// LoadFromPath loads configuration from the given path, or creates a default
// config at that path if the file does not exist. Path may be a directory
// (then config is path/httpdns.json) or a file path.
func LoadFromPath(path string) (*Loaded, error) {
	configPath, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := readConfig(configPath)
	if err == nil {
		cfg.applyDefaults(filepath.Dir(configPath))
		return &Loaded{Path: configPath, Config: *cfg}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
	}
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: ensure config directory %s: %w", dir, err)
	}
	defaultCfg := defaultConfig(dir)
	if err := writeConfig(configPath, defaultCfg); err != nil {
		return nil, err
	}
	defaultCfg.applyDefaults(dir)
	return &Loaded{Path: configPath, Created: true, Config: *defaultCfg}, nil
}

// Read loads and normalises configuration from the specified path without
// searching other locations.
func Read(path string) (*Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Save writes the supplied configuration back to the given path.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: ensure config directory %s: %w", dir, err)
	}
	cfg.applyDefaults(dir)
	return writeConfig(path, &cfg)
}

// Normalize fills derived fields relative to configDir.
func (c *Config) Normalize(configDir string) {
	c.applyDefaults(configDir)
}

// Validate reports every setting that prevents resolution from working.
func (c *Config) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.AccountID) == "" {
		result = multierror.Append(result, errors.New("account_id is required"))
	}
	if !knownRegion(c.Region) {
		result = multierror.Append(result, fmt.Errorf("unknown region %q (want one of %s)", c.Region, strings.Join(Regions, ", ")))
	}
	for host, port := range c.ProbePorts {
		if port <= 0 || port > 65535 {
			result = multierror.Append(result, fmt.Errorf("probe port for %s out of range: %d", host, port))
		}
	}
	if rs := c.FileLocations.RegionSource; rs != nil {
		switch rs.Type {
		case RegionSourceFile, RegionSourceURL, RegionSourceGit:
		default:
			result = multierror.Append(result, fmt.Errorf("region_source type %q is not file, url or git", rs.Type))
		}
		if strings.TrimSpace(rs.Location) == "" {
			result = multierror.Append(result, errors.New("region_source location is empty"))
		}
	}
	return result.ErrorOrNil()
}

// Timeout is the configured synchronous resolve timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CoolDown is how long a failed resolver endpoint stays disabled.
func (c *Config) CoolDown() time.Duration {
	return time.Duration(c.CoolDownSeconds) * time.Second
}

// RefreshInterval is the minimum spacing of schedule-center refreshes.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// DiscardWindow is how long past expiry a persisted record is still loaded at start.
func (c *Config) DiscardWindow() time.Duration {
	return time.Duration(c.DiscardExpiredAfterSeconds) * time.Second
}

// NetworkCheckInterval is how often the IP stack is re-detected.
func (c *Config) NetworkCheckInterval() time.Duration {
	return time.Duration(c.NetworkCheckIntervalSeconds) * time.Second
}

func knownRegion(region string) bool {
	for _, r := range Regions {
		if r == region {
			return true
		}
	}
	return false
}

func candidatePaths() ([]string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("config: determine executable path: %w", err)
	}
	execDir := filepath.Dir(execPath)

	var paths []string
	paths = appendIfMissing(paths, filepath.Join(execDir, FileName))

	if userPath, err := userConfigPath(); err == nil && userPath != "" {
		paths = appendIfMissing(paths, userPath)
	}

	paths = appendIfMissing(paths, systemConfigPath)
	return paths, nil
}

func userConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: determine user config dir: %w", err)
	}
	return filepath.Join(dir, "httpdns", FileName), nil
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("config: file %s is empty", path)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

func writeConfig(path string, cfg *Config) error {
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func defaultConfig(baseDir string) *Config {
	cfg := &Config{
		Region:          "cn",
		HTTPS:           true,
		IPv6Enabled:     false,
		MaxRetries:      1,
		PersistentCache: true,
		APIListen:       "127.0.0.1:8090",
	}
	cfg.applyDefaults(baseDir)
	return cfg
}

func (c *Config) applyDefaults(configDir string) {
	c.AccountID = strings.TrimSpace(c.AccountID)
	c.Region = strings.ToLower(strings.TrimSpace(c.Region))
	if c.Region == "" {
		c.Region = "cn"
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 3000
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.CoolDownSeconds <= 0 {
		c.CoolDownSeconds = 30
	}
	if c.RefreshIntervalSeconds <= 0 {
		c.RefreshIntervalSeconds = 24 * 60 * 60
	}
	if c.DiscardExpiredAfterSeconds <= 0 {
		c.DiscardExpiredAfterSeconds = 24 * 60 * 60
	}
	if c.NetworkCheckIntervalSeconds <= 0 {
		c.NetworkCheckIntervalSeconds = 30
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 10
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 4096
	}
	if c.APIListen == "" {
		c.APIListen = "127.0.0.1:8090"
	}

	c.FileLocations.Database = ensureAbsolutePath(configDir, c.FileLocations.Database, "httpdns.db")
	if rs := c.FileLocations.RegionSource; rs != nil {
		if rs.Type == RegionSourceURL || rs.Type == RegionSourceGit {
			if rs.RefreshIntervalSeconds <= 0 {
				rs.RefreshIntervalSeconds = 3600
			}
		} else {
			rs.Type = RegionSourceFile
			rs.Location = ensureAbsolutePath(configDir, rs.Location, "regions.json")
		}
	}

	if c.Log.Dir == "" {
		if isSystemConfigDir(configDir) {
			c.Log.Dir = "/var/log/httpdns"
		} else {
			c.Log.Dir = filepath.Join(configDir, "log")
		}
	}
	if c.Log.Severity == "" {
		c.Log.Severity = "none"
	}
	if c.Log.Rotation == "" {
		c.Log.Rotation = LogRotationSize
	}
	if c.Log.RotationSizeMB <= 0 {
		c.Log.RotationSizeMB = 100
	}
	if c.Log.RotationDays <= 0 {
		c.Log.RotationDays = 7
	}
}

func appendIfMissing(paths []string, candidate string) []string {
	for _, existing := range paths {
		if existing == candidate {
			return paths
		}
	}
	return append(paths, candidate)
}

func ensureAbsolutePath(configDir, value, fallbackName string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return filepath.Join(configDir, fallbackName)
	}
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(configDir, value)
}

// isSystemConfigDir returns true when configDir is /etc or below it.
func isSystemConfigDir(configDir string) bool {
	clean := filepath.Clean(configDir)
	return clean == "/etc" || strings.HasPrefix(clean, "/etc"+string(filepath.Separator))
}

// DefaultDataDir is where the database lives when no config directory applies.
func DefaultDataDir() string {
	if runningAsRoot() {
		return "/var/lib/httpdns"
	}
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "httpdns")
	}
	return filepath.Join(os.TempDir(), "httpdns")
}

// UnmarshalJSON reads Config, accepting the legacy keys expired_ip_enabled
// and cached_ip_enabled.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	getBool := func(keys ...string) (bool, bool) {
		for _, k := range keys {
			if r, ok := raw[k]; ok && len(r) > 0 {
				var b bool
				if json.Unmarshal(r, &b) == nil {
					return b, true
				}
			}
		}
		return false, false
	}
	if _, ok := raw["reuse_expired_ip"]; !ok {
		if b, ok := getBool("expired_ip_enabled"); ok {
			c.ReuseExpiredIP = b
		}
	}
	if _, ok := raw["persistent_cache"]; !ok {
		if b, ok := getBool("cached_ip_enabled"); ok {
			c.PersistentCache = b
		}
	}
	return nil
}
