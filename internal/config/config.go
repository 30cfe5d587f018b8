package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/aleister1102/webtrack/internal/common"

	"gopkg.in/yaml.v3"
)

const (
	// Log Defaults
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
	DefaultLogFile       = ""
	DefaultMaxLogSizeMB  = 100
	DefaultMaxLogBackups = 3

	// Storage Defaults
	DefaultSQLitePath   = "database/webtrack.db"
	DefaultBlobBackend  = "filesystem"
	DefaultBlobRootDir  = "database/blobs"
	DefaultCacheControl = "no-transform,public,max-age=2592000,s-maxage=2592000"

	// Browser Defaults
	DefaultBrowserPoolSize     = 2
	DefaultBrowserUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"
	DefaultAcceptLanguage      = "en-US,en;q=0.9"
	DefaultWindowWidth         = 1920
	DefaultWindowHeight        = 1080
	DefaultPageLoadTimeoutSecs = 30
	DefaultMemoryLimitPercent  = 85.0

	// Fetch Defaults
	DefaultFetchBatchGroupSize     = 2
	DefaultFetchPolitenessSecs     = 3
	DefaultFetchMaxRetries         = 3
	DefaultFetchRecycleBatches     = 10
	DefaultFetchWallClockMins      = 60
	DefaultFetchMaxShards          = 4
	DefaultFetchScreenshotSleepMs  = 2000
	DefaultFetchNavigateTimeoutSec = 30

	// Diff Defaults
	DefaultDiffRatioMode      = "accurate"
	DefaultDiffMatchThreshold = 0.5
	DefaultDiffTimeoutSecs    = 300
	DefaultDiffBatchSize      = 300

	// Render Defaults
	DefaultRenderWallClockMins   = 120
	DefaultRenderNavTimeoutSecs  = 300
	DefaultRenderMaxRetries      = 3
	DefaultRenderBatchSize       = 100
	DefaultRenderWindowHours     = 24
	DefaultServePathPrefix       = "kvJaZdkFH3pZKwwLIp"
	DefaultServePathSuffix       = "nxxUNHlc20Aix1O4ir"
	DefaultOldSideToken          = "6050h6jz2UFnWzTIWp"
	DefaultNewSideToken          = "a6RzQGFyaRnfdQ5qbg"

	// Server Defaults
	DefaultServerListenAddr        = ":8089"
	DefaultAuthTokenValidityHours  = 24

	// Archive Defaults
	DefaultArchiveRetentionMonths = 9
	DefaultArchiveMaxCandidates   = 200
	DefaultArchiveAuditDir        = "database/archive"

	// Prober Defaults
	DefaultProberThreads     = 25
	DefaultProberTimeoutSecs = 10
	DefaultProberRetries     = 1
)

// Config is the root configuration for all webtrack jobs.
type Config struct {
	LogConfig     LogConfig     `json:"log_config,omitempty" yaml:"log_config,omitempty"`
	StorageConfig StorageConfig `json:"storage_config,omitempty" yaml:"storage_config,omitempty"`
	BrowserConfig BrowserConfig `json:"browser_config,omitempty" yaml:"browser_config,omitempty"`
	FetchConfig   FetchConfig   `json:"fetch_config,omitempty" yaml:"fetch_config,omitempty"`
	DiffConfig    DiffConfig    `json:"diff_config,omitempty" yaml:"diff_config,omitempty"`
	RenderConfig  RenderConfig  `json:"render_config,omitempty" yaml:"render_config,omitempty"`
	ServerConfig  ServerConfig  `json:"server_config,omitempty" yaml:"server_config,omitempty"`
	MailConfig    MailConfig    `json:"mail_config,omitempty" yaml:"mail_config,omitempty"`
	ArchiveConfig ArchiveConfig `json:"archive_config,omitempty" yaml:"archive_config,omitempty"`
	IndexConfig   IndexConfig   `json:"index_config,omitempty" yaml:"index_config,omitempty"`
	ProberConfig  ProberConfig  `json:"prober_config,omitempty" yaml:"prober_config,omitempty"`
}

// NewDefaultConfig returns a config with every section at its defaults.
func NewDefaultConfig() *Config {
	return &Config{
		LogConfig:     NewDefaultLogConfig(),
		StorageConfig: NewDefaultStorageConfig(),
		BrowserConfig: NewDefaultBrowserConfig(),
		FetchConfig:   NewDefaultFetchConfig(),
		DiffConfig:    NewDefaultDiffConfig(),
		RenderConfig:  NewDefaultRenderConfig(),
		ServerConfig:  NewDefaultServerConfig(),
		MailConfig:    NewDefaultMailConfig(),
		ArchiveConfig: NewDefaultArchiveConfig(),
		IndexConfig:   NewDefaultIndexConfig(),
		ProberConfig:  NewDefaultProberConfig(),
	}
}

type LogConfig struct {
	LogFile       string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	LogFormat     string `json:"log_format,omitempty" yaml:"log_format,omitempty" validate:"omitempty,logformat"`
	LogLevel      string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,loglevel"`
	MaxLogBackups int    `json:"max_log_backups,omitempty" yaml:"max_log_backups,omitempty"`
	MaxLogSizeMB  int    `json:"max_log_size_mb,omitempty" yaml:"max_log_size_mb,omitempty"`
	UseSubdirs    bool   `json:"use_subdirs" yaml:"use_subdirs"`
}

func NewDefaultLogConfig() LogConfig {
	return LogConfig{
		LogFile:       DefaultLogFile,
		LogFormat:     DefaultLogFormat,
		LogLevel:      DefaultLogLevel,
		MaxLogBackups: DefaultMaxLogBackups,
		MaxLogSizeMB:  DefaultMaxLogSizeMB,
		UseSubdirs:    true,
	}
}

type StorageConfig struct {
	SQLitePath   string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty" validate:"required"`
	BlobBackend  string `json:"blob_backend,omitempty" yaml:"blob_backend,omitempty" validate:"omitempty,oneof=filesystem gcs"`
	BlobRootDir  string `json:"blob_root_dir,omitempty" yaml:"blob_root_dir,omitempty"`
	GCSBucket    string `json:"gcs_bucket,omitempty" yaml:"gcs_bucket,omitempty"`
	GCSPrefix    string `json:"gcs_prefix,omitempty" yaml:"gcs_prefix,omitempty"`
	CacheControl string `json:"cache_control,omitempty" yaml:"cache_control,omitempty"`
}

func NewDefaultStorageConfig() StorageConfig {
	return StorageConfig{
		SQLitePath:   DefaultSQLitePath,
		BlobBackend:  DefaultBlobBackend,
		BlobRootDir:  DefaultBlobRootDir,
		GCSBucket:    "",
		GCSPrefix:    "website-tracking",
		CacheControl: DefaultCacheControl,
	}
}

type BrowserConfig struct {
	ChromePath          string  `json:"chrome_path,omitempty" yaml:"chrome_path,omitempty"`
	UserDataDir         string  `json:"user_data_dir,omitempty" yaml:"user_data_dir,omitempty"`
	Headless            bool    `json:"headless" yaml:"headless"`
	PoolSize            int     `json:"pool_size,omitempty" yaml:"pool_size,omitempty" validate:"omitempty,min=1"`
	UserAgent           string  `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	AcceptLanguage      string  `json:"accept_language,omitempty" yaml:"accept_language,omitempty"`
	WindowWidth         int     `json:"window_width,omitempty" yaml:"window_width,omitempty" validate:"omitempty,min=100"`
	WindowHeight        int     `json:"window_height,omitempty" yaml:"window_height,omitempty" validate:"omitempty,min=100"`
	PageLoadTimeoutSecs int     `json:"page_load_timeout_secs,omitempty" yaml:"page_load_timeout_secs,omitempty" validate:"omitempty,min=1"`
	IgnoreHTTPSErrors   bool    `json:"ignore_https_errors" yaml:"ignore_https_errors"`
	MemoryLimitPercent  float64 `json:"memory_limit_percent,omitempty" yaml:"memory_limit_percent,omitempty" validate:"omitempty,min=1,max=100"`
}

func NewDefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		ChromePath:          "",
		UserDataDir:         "",
		Headless:            true,
		PoolSize:            DefaultBrowserPoolSize,
		UserAgent:           DefaultBrowserUserAgent,
		AcceptLanguage:      DefaultAcceptLanguage,
		WindowWidth:         DefaultWindowWidth,
		WindowHeight:        DefaultWindowHeight,
		PageLoadTimeoutSecs: DefaultPageLoadTimeoutSecs,
		IgnoreHTTPSErrors:   true,
		MemoryLimitPercent:  DefaultMemoryLimitPercent,
	}
}

type FetchConfig struct {
	BatchGroupSize      int `json:"batch_group_size,omitempty" yaml:"batch_group_size,omitempty" validate:"omitempty,min=1"`
	PolitenessDelaySecs int `json:"politeness_delay_secs,omitempty" yaml:"politeness_delay_secs,omitempty" validate:"omitempty,min=0"`
	MaxRetries          int `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"omitempty,min=0"`
	RecycleEveryBatches int `json:"recycle_every_batches,omitempty" yaml:"recycle_every_batches,omitempty" validate:"omitempty,min=1"`
	WallClockMins       int `json:"wall_clock_mins,omitempty" yaml:"wall_clock_mins,omitempty" validate:"omitempty,min=1"`
	MaxShards           int `json:"max_shards,omitempty" yaml:"max_shards,omitempty" validate:"omitempty,min=1"`
	NavigateTimeoutSecs int `json:"navigate_timeout_secs,omitempty" yaml:"navigate_timeout_secs,omitempty" validate:"omitempty,min=1"`
	ScreenshotSleepMs   int `json:"screenshot_sleep_ms,omitempty" yaml:"screenshot_sleep_ms,omitempty" validate:"omitempty,min=0"`
}

func NewDefaultFetchConfig() FetchConfig {
	return FetchConfig{
		BatchGroupSize:      DefaultFetchBatchGroupSize,
		PolitenessDelaySecs: DefaultFetchPolitenessSecs,
		MaxRetries:          DefaultFetchMaxRetries,
		RecycleEveryBatches: DefaultFetchRecycleBatches,
		WallClockMins:       DefaultFetchWallClockMins,
		MaxShards:           DefaultFetchMaxShards,
		NavigateTimeoutSecs: DefaultFetchNavigateTimeoutSec,
		ScreenshotSleepMs:   DefaultFetchScreenshotSleepMs,
	}
}

type DiffConfig struct {
	RatioMode      string  `json:"ratio_mode,omitempty" yaml:"ratio_mode,omitempty" validate:"omitempty,ratiomode"`
	MatchThreshold float64 `json:"match_threshold,omitempty" yaml:"match_threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
	TimeoutSecs    int     `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty" validate:"omitempty,min=1"`
	BatchSize      int     `json:"batch_size,omitempty" yaml:"batch_size,omitempty" validate:"omitempty,min=1"`
	MaxShards      int     `json:"max_shards,omitempty" yaml:"max_shards,omitempty" validate:"omitempty,min=1"`
}

func NewDefaultDiffConfig() DiffConfig {
	return DiffConfig{
		RatioMode:      DefaultDiffRatioMode,
		MatchThreshold: DefaultDiffMatchThreshold,
		TimeoutSecs:    DefaultDiffTimeoutSecs,
		BatchSize:      DefaultDiffBatchSize,
		MaxShards:      DefaultFetchMaxShards,
	}
}

type RenderConfig struct {
	SiteBaseURL     string `json:"site_base_url,omitempty" yaml:"site_base_url,omitempty" validate:"omitempty,url"`
	ServePathPrefix string `json:"serve_path_prefix,omitempty" yaml:"serve_path_prefix,omitempty"`
	ServePathSuffix string `json:"serve_path_suffix,omitempty" yaml:"serve_path_suffix,omitempty"`
	OldSideToken    string `json:"old_side_token,omitempty" yaml:"old_side_token,omitempty"`
	NewSideToken    string `json:"new_side_token,omitempty" yaml:"new_side_token,omitempty"`
	WallClockMins   int    `json:"wall_clock_mins,omitempty" yaml:"wall_clock_mins,omitempty" validate:"omitempty,min=1"`
	NavTimeoutSecs  int    `json:"nav_timeout_secs,omitempty" yaml:"nav_timeout_secs,omitempty" validate:"omitempty,min=1"`
	MaxRetries      int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"omitempty,min=0"`
	BatchSize       int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty" validate:"omitempty,min=1"`
	WindowHours     int    `json:"window_hours,omitempty" yaml:"window_hours,omitempty" validate:"omitempty,min=1"`
	MaxShards       int    `json:"max_shards,omitempty" yaml:"max_shards,omitempty" validate:"omitempty,min=1"`
}

func NewDefaultRenderConfig() RenderConfig {
	return RenderConfig{
		SiteBaseURL:     "",
		ServePathPrefix: DefaultServePathPrefix,
		ServePathSuffix: DefaultServePathSuffix,
		OldSideToken:    DefaultOldSideToken,
		NewSideToken:    DefaultNewSideToken,
		WallClockMins:   DefaultRenderWallClockMins,
		NavTimeoutSecs:  DefaultRenderNavTimeoutSecs,
		MaxRetries:      DefaultRenderMaxRetries,
		BatchSize:       DefaultRenderBatchSize,
		WindowHours:     DefaultRenderWindowHours,
		MaxShards:       DefaultFetchMaxShards,
	}
}

type ServerConfig struct {
	ListenAddr             string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	SigningKey             string `json:"signing_key,omitempty" yaml:"signing_key,omitempty" validate:"omitempty,len=32"`
	AuthTokenValidityHours int    `json:"auth_token_validity_hours,omitempty" yaml:"auth_token_validity_hours,omitempty" validate:"omitempty,min=1"`
}

func NewDefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:             DefaultServerListenAddr,
		SigningKey:             "",
		AuthTokenValidityHours: DefaultAuthTokenValidityHours,
	}
}

type MailConfig struct {
	RelayURL      string   `json:"relay_url,omitempty" yaml:"relay_url,omitempty" validate:"omitempty,url"`
	From          string   `json:"from,omitempty" yaml:"from,omitempty"`
	To            []string `json:"to,omitempty" yaml:"to,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
	TimeoutSecs   int      `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty" validate:"omitempty,min=1"`
}

func NewDefaultMailConfig() MailConfig {
	return MailConfig{
		RelayURL:      "",
		From:          "",
		To:            []string{},
		SubjectPrefix: "[webtrack]",
		TimeoutSecs:   20,
	}
}

type ArchiveConfig struct {
	RetentionMonths int    `json:"retention_months,omitempty" yaml:"retention_months,omitempty" validate:"omitempty,min=1"`
	MaxCandidates   int    `json:"max_candidates,omitempty" yaml:"max_candidates,omitempty" validate:"omitempty,min=1"`
	AuditDir        string `json:"audit_dir,omitempty" yaml:"audit_dir,omitempty"`
}

func NewDefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		RetentionMonths: DefaultArchiveRetentionMonths,
		MaxCandidates:   DefaultArchiveMaxCandidates,
		AuditDir:        DefaultArchiveAuditDir,
	}
}

type IndexConfig struct {
	EndpointURL string `json:"endpoint_url,omitempty" yaml:"endpoint_url,omitempty" validate:"omitempty,url"`
	TimeoutSecs int    `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty" validate:"omitempty,min=1"`
}

func NewDefaultIndexConfig() IndexConfig {
	return IndexConfig{
		EndpointURL: "",
		TimeoutSecs: 30,
	}
}

type ProberConfig struct {
	Threads     int `json:"threads,omitempty" yaml:"threads,omitempty" validate:"omitempty,min=1"`
	TimeoutSecs int `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty" validate:"omitempty,min=1"`
	Retries     int `json:"retries,omitempty" yaml:"retries,omitempty" validate:"omitempty,min=0"`
}

func NewDefaultProberConfig() ProberConfig {
	return ProberConfig{
		Threads:     DefaultProberThreads,
		TimeoutSecs: DefaultProberTimeoutSecs,
		Retries:     DefaultProberRetries,
	}
}

const maxConfigFileSize = 10 * 1024 * 1024

// LoadConfigFromFile loads the configuration from a YAML or JSON file,
// selected by extension. Fields absent from the file keep their defaults.
func LoadConfigFromFile(filePath string) (*Config, error) {
	cfg := NewDefaultConfig()
	if filePath == "" {
		return cfg, nil
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, common.NewValidationError("config_file", filePath, "config file does not exist")
	}
	if info.Size() > maxConfigFileSize {
		return nil, common.NewValidationError("config_file", filePath, "config file exceeds 10MB")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, common.WrapError(err, "failed to read config file")
	}

	if err := parseConfigContent(data, filePath, cfg); err != nil {
		return nil, common.WrapError(err, "failed to parse config content")
	}

	return cfg, nil
}

// parseConfigContent parses the config content based on file extension
func parseConfigContent(data []byte, filePath string, cfg *Config) error {
	ext := filepath.Ext(filePath)
	if isYAMLFile(ext) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return common.NewError("failed to unmarshal YAML from '%s': %w", filePath, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return common.NewError("failed to unmarshal JSON from '%s': %w", filePath, err)
	}
	return nil
}

// isYAMLFile checks if the file extension indicates a YAML file
func isYAMLFile(ext string) bool {
	return ext == ".yaml" || ext == ".yml"
}
