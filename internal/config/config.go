// Package config holds the complete application configuration with
// file, environment and default layering plus hot-reload support.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const gib = int64(1024 * 1024 * 1024)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Paths     PathsConfig     `yaml:"paths" json:"paths"`
	Upload    UploadConfig    `yaml:"upload" json:"upload"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg" json:"ffmpeg"`
	Quota     QuotaConfig     `yaml:"quota" json:"quota"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Progress  ProgressConfig  `yaml:"progress" json:"progress"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"CONVERTRA_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" json:"port" env:"CONVERTRA_PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"CONVERTRA_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"CONVERTRA_WRITE_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Type         string `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	DataDir      string `yaml:"data_dir" json:"data_dir" env:"CONVERTRA_DATA_DIR" default:"./data"`
	DatabasePath string `yaml:"database_path" json:"database_path" env:"CONVERTRA_DATABASE_PATH"`
	Host         string `yaml:"host" json:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port         int    `yaml:"port" json:"port" env:"POSTGRES_PORT" default:"5432"`
	Username     string `yaml:"username" json:"username" env:"POSTGRES_USER" default:"convertra"`
	Password     string `yaml:"password" json:"-" env:"POSTGRES_PASSWORD"`
	Database     string `yaml:"database" json:"database" env:"POSTGRES_DB" default:"convertra"`
	LogQueries   bool   `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// PathsConfig holds the working directory layout
type PathsConfig struct {
	UploadPath string `yaml:"upload_path" json:"upload_path" env:"uploadPath" default:"./data/uploads"`
	OutputPath string `yaml:"output_path" json:"output_path" env:"outputPath" default:"./data/outputs"`
	TempPath   string `yaml:"temp_path" json:"temp_path" env:"tempPath" default:"./data/temp"`
	LogPath    string `yaml:"log_path" json:"log_path" env:"logPath" default:"./data/logs"`
}

// UploadConfig holds input acceptance settings
type UploadConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size" json:"max_file_size" env:"maxFileSize" default:"10737418240"`
	AllowedExtensions []string `yaml:"allowed_extensions" json:"allowed_extensions" env:"allowedExtensions"`
}

// QueueConfig holds dispatcher settings
type QueueConfig struct {
	MaxConcurrentConversions int           `yaml:"max_concurrent_conversions" json:"max_concurrent_conversions" env:"maxConcurrentConversions" default:"0"`
	CheckInterval            time.Duration `yaml:"check_interval" json:"check_interval" env:"queueCheckIntervalSeconds" unit:"s" default:"10s"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"queueShutdownTimeout" default:"5s"`
	StallTimeout             time.Duration `yaml:"stall_timeout" json:"stall_timeout" env:"queueStallTimeout" default:"10m"`
}

// FFmpegConfig holds encoder binary settings
type FFmpegConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path" json:"ffmpeg_path" env:"ffmpegPath" default:"ffmpeg"`
	FFprobePath string `yaml:"ffprobe_path" json:"ffprobe_path" env:"ffprobePath" default:"ffprobe"`
}

// QuotaConfig holds disk-space quota and cleanup thresholds.
// Thresholds are percentages of MaxBytes.
type QuotaConfig struct {
	MaxBytes            int64         `yaml:"max_bytes" json:"max_bytes" env:"quotaMaxBytes" default:"107374182400"`
	ReservedBytes       int64         `yaml:"reserved_bytes" json:"reserved_bytes" env:"quotaReservedBytes" default:"5368709120"`
	Enabled             bool          `yaml:"enabled" json:"enabled" env:"quotaEnabled" default:"true"`
	ThresholdWarn       float64       `yaml:"threshold_warn" json:"threshold_warn" env:"thresholdWarn" default:"80"`
	ThresholdAggressive float64       `yaml:"threshold_aggressive" json:"threshold_aggressive" env:"thresholdAggressive" default:"90"`
	ThresholdEmergency  float64       `yaml:"threshold_emergency" json:"threshold_emergency" env:"thresholdEmergency" default:"95"`
	MonitorInterval     time.Duration `yaml:"monitor_interval" json:"monitor_interval" env:"quotaMonitorInterval" default:"30s"`
	MonitorStartDelay   time.Duration `yaml:"monitor_start_delay" json:"monitor_start_delay" env:"quotaMonitorStartDelay" default:"10s"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"cleanupIntervalMinutes" unit:"m" default:"1h"`
}

// RetentionConfig holds the minimum age before files become eligible
// for cleanup, per category.
type RetentionConfig struct {
	ConvertedAfter  time.Duration `yaml:"converted_after" json:"converted_after" env:"retentionConvertedMin" unit:"m" default:"5m"`
	DownloadedAfter time.Duration `yaml:"downloaded_after" json:"downloaded_after" env:"retentionDownloadedH" unit:"h" default:"24h"`
	TempAfter       time.Duration `yaml:"temp_after" json:"temp_after" env:"retentionTempH" unit:"h" default:"2h"`
	FailedAfter     time.Duration `yaml:"failed_after" json:"failed_after" env:"retentionFailedD" unit:"d" default:"168h"`
	OrphanAfter     time.Duration `yaml:"orphan_after" json:"orphan_after" env:"retentionOrphanD" unit:"d" default:"24h"`
	LogAfter        time.Duration `yaml:"log_after" json:"log_after" env:"retentionLogD" unit:"d" default:"720h"`
}

// ProgressConfig holds progress publication throttling
type ProgressConfig struct {
	UpdateInterval       time.Duration `yaml:"update_interval" json:"update_interval" env:"progressUpdateIntervalMs" unit:"ms" default:"200ms"`
	UpdateThresholdBytes int64         `yaml:"update_threshold_bytes" json:"update_threshold_bytes" env:"progressUpdateThresholdBytes" default:"5242880"`
	UpdateThresholdPct   int           `yaml:"update_threshold_pct" json:"update_threshold_pct" env:"progressUpdateThresholdPct" default:"5"`
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

// Manager manages application configuration with hot-reload support
type Manager struct {
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager seeded with defaults
func NewManager() *Manager {
	return &Manager{config: Default()}
}

// Default returns the default application configuration
func Default() *Config {
	cfg := &Config{}
	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), false); err != nil {
		// Defaults are static strings; a parse failure is a programming error.
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	cfg.Upload.AllowedExtensions = []string{
		".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".webm", ".m4v", ".ts", ".mpg",
	}
	applyDerived(cfg)
	return cfg
}

// Load loads configuration from file and environment variables
func (m *Manager) Load(configPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldConfig := *m.config
	m.configPath = configPath

	newConfig := Default()

	if configPath != "" && fileExists(configPath) {
		if err := loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem(), true); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	applyDerived(newConfig)
	m.config = newConfig

	for _, watcher := range m.watchers {
		go watcher(&oldConfig, newConfig)
	}
	return nil
}

// Get returns the current configuration (thread-safe copy)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	configCopy := *m.config
	return &configCopy
}

// AddWatcher adds a configuration change watcher
func (m *Manager) AddWatcher(watcher ConfigWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, watcher)
}

// Path returns the config file path the manager was loaded from
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configPath
}

// Validate checks invariants the rest of the system depends on
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Queue.MaxConcurrentConversions < 0 {
		return fmt.Errorf("invalid max concurrent conversions: %d", c.Queue.MaxConcurrentConversions)
	}
	q := c.Quota
	if q.MaxBytes < gib || q.ReservedBytes < gib {
		return fmt.Errorf("quota max and reserved must both be at least 1 GiB")
	}
	if q.MaxBytes <= q.ReservedBytes {
		return fmt.Errorf("quota max (%d) must exceed reserved (%d)", q.MaxBytes, q.ReservedBytes)
	}
	if !(q.ThresholdEmergency > q.ThresholdAggressive && q.ThresholdAggressive >= q.ThresholdWarn) {
		return fmt.Errorf("quota thresholds must satisfy emergency > aggressive >= warn, got %v/%v/%v",
			q.ThresholdWarn, q.ThresholdAggressive, q.ThresholdEmergency)
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("invalid max file size: %d", c.Upload.MaxFileSize)
	}
	return nil
}

func applyDerived(c *Config) {
	if c.Database.DatabasePath == "" && c.Database.Type == "sqlite" {
		c.Database.DatabasePath = filepath.Join(c.Database.DataDir, "convertra.db")
	}
	if c.Queue.MaxConcurrentConversions == 0 {
		c.Queue.MaxConcurrentConversions = runtime.NumCPU()
	}
}

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}
}

// loadStructFromEnv fills struct fields from env vars (when readEnv is
// true) falling back to `default` tags for unset fields.
func loadStructFromEnv(v reflect.Value, readEnv bool) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := loadStructFromEnv(field, readEnv); err != nil {
				return err
			}
			continue
		}

		value := ""
		if readEnv {
			if envTag := fieldType.Tag.Get("env"); envTag != "" {
				value = os.Getenv(envTag)
			}
		}
		if value == "" && !readEnv {
			value = fieldType.Tag.Get("default")
		}
		if value == "" {
			continue
		}
		if err := setFieldValue(field, value, fieldType.Tag.Get("unit")); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value, unit string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := parseDurationLoose(value, unit)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(value, ",")
			for i, v := range values {
				values[i] = strings.TrimSpace(v)
			}
			field.Set(reflect.ValueOf(values))
		}
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}
	return nil
}

// parseDurationLoose accepts Go duration strings and bare integers. A
// bare integer scales by the field's `unit` tag, which mirrors the unit
// the legacy env names encode (retentionDownloadedH, cleanupIntervalMinutes,
// progressUpdateIntervalMs). No tag means seconds.
func parseDurationLoose(value, unit string) (time.Duration, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(n) * unitScale(unit), nil
}

func unitScale(unit string) time.Duration {
	switch unit {
	case "ms":
		return time.Millisecond
	case "m":
		return time.Minute
	case "h":
		return time.Hour
	case "d":
		return 24 * time.Hour
	default:
		return time.Second
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
