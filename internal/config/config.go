// Package config loads and validates the gateway configuration from YAML and
// S3GW_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// TLSConfig holds TLS configuration for the gateway listener.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// BucketPermission grants a user permissions on one bucket. BucketName "*"
// matches every bucket.
type BucketPermission struct {
	BucketName  string   `mapstructure:"bucket_name"`
	Permissions []string `mapstructure:"permissions"`
}

// User is one configured S3 identity.
type User struct {
	AccessKeyID       string             `mapstructure:"access_key_id"`
	SecretAccessKey   string             `mapstructure:"secret_access_key"`
	Name              string             `mapstructure:"name"`
	BucketPermissions []BucketPermission `mapstructure:"bucket_permissions"`
}

// AuthenticationConfig holds the SigV4 authentication settings.
type AuthenticationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Users   []User `mapstructure:"users"`
}

// FilesystemConfig holds the filesystem backend directories.
type FilesystemConfig struct {
	DataDirectory     string `mapstructure:"data_directory"`
	MetadataDirectory string `mapstructure:"metadata_directory"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Type       string           `mapstructure:"type"` // "inmemory" or "filesystem"
	Filesystem FilesystemConfig `mapstructure:"filesystem"`
}

// BucketDefaultsConfig holds the defaults applied to new buckets.
type BucketDefaultsConfig struct {
	Type         string `mapstructure:"type"` // "GeneralPurpose" or "Directory"
	StorageClass string `mapstructure:"storage_class"`
}

// MetadataCleanupConfig controls the orphaned-metadata sweeper.
type MetadataCleanupConfig struct {
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
	BatchSize              int `mapstructure:"batch_size"`
}

// MultipartUploadCleanupConfig controls removal of stale multipart uploads.
type MultipartUploadCleanupConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxAgeHours   int  `mapstructure:"max_age_hours"`
	IntervalHours int  `mapstructure:"interval_hours"`
}

// MonitoringConfig holds the Prometheus monitoring settings.
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// Config holds the application configuration.
type Config struct {
	BindAddress       string    `mapstructure:"bind_address"`
	LogLevel          string    `mapstructure:"log_level"`
	LogFormat         string    `mapstructure:"log_format"` // "text" (default) or "json"
	LogHealthRequests bool      `mapstructure:"log_health_requests"`
	ShutdownTimeout   int       `mapstructure:"shutdown_timeout"` // seconds
	Region            string    `mapstructure:"region"`
	TLS               TLSConfig `mapstructure:"tls"`

	Authentication         AuthenticationConfig         `mapstructure:"authentication"`
	Storage                StorageConfig                `mapstructure:"storage"`
	BucketDefaults         BucketDefaultsConfig         `mapstructure:"bucket_defaults"`
	MetadataCleanup        MetadataCleanupConfig        `mapstructure:"metadata_cleanup"`
	MultipartUploadCleanup MultipartUploadCleanupConfig `mapstructure:"multipart_upload_cleanup"`
	Monitoring             MonitoringConfig             `mapstructure:"monitoring"`
}

// Storage backend type names.
const (
	StorageTypeInMemory   = "inmemory"
	StorageTypeFilesystem = "filesystem"
)

// LoadConfig reads the configuration from the given file (or the default
// search path when cfgFile is empty), applies environment overrides and
// validates the result.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
		viper.SetConfigName("s3-storage-gateway")
	}

	viper.SetEnvPrefix("S3GW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("bind_address", "0.0.0.0:9000")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("log_health_requests", false)
	viper.SetDefault("shutdown_timeout", 30)
	viper.SetDefault("region", "us-east-1")

	viper.SetDefault("tls.enabled", false)

	viper.SetDefault("authentication.enabled", true)

	viper.SetDefault("storage.type", StorageTypeFilesystem)
	viper.SetDefault("storage.filesystem.data_directory", "./data")
	viper.SetDefault("storage.filesystem.metadata_directory", "./metadata")

	viper.SetDefault("bucket_defaults.type", "GeneralPurpose")
	viper.SetDefault("bucket_defaults.storage_class", "")

	viper.SetDefault("metadata_cleanup.cleanup_interval_minutes", 60)
	viper.SetDefault("metadata_cleanup.batch_size", 100)

	viper.SetDefault("multipart_upload_cleanup.enabled", false)
	viper.SetDefault("multipart_upload_cleanup.max_age_hours", 24)
	viper.SetDefault("multipart_upload_cleanup.interval_hours", 1)

	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.bind_address", ":9090")
	viper.SetDefault("monitoring.metrics_path", "/metrics")
}

// Validate checks the configuration for errors that should fail startup.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind_address must not be empty")
	}

	switch c.Storage.Type {
	case StorageTypeInMemory:
	case StorageTypeFilesystem:
		if c.Storage.Filesystem.DataDirectory == "" {
			return fmt.Errorf("storage.filesystem.data_directory must be set for the filesystem backend")
		}
		if c.Storage.Filesystem.MetadataDirectory == "" {
			return fmt.Errorf("storage.filesystem.metadata_directory must be set for the filesystem backend")
		}
	default:
		return fmt.Errorf("invalid storage.type %q: must be %q or %q", c.Storage.Type, StorageTypeInMemory, StorageTypeFilesystem)
	}

	switch c.BucketDefaults.Type {
	case "", "GeneralPurpose", "Directory":
	default:
		return fmt.Errorf("invalid bucket_defaults.type %q: must be GeneralPurpose or Directory", c.BucketDefaults.Type)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file must be set when TLS is enabled")
		}
	}

	if c.Authentication.Enabled && len(c.Authentication.Users) == 0 {
		return fmt.Errorf("authentication.users must not be empty when authentication is enabled")
	}
	for i, user := range c.Authentication.Users {
		if user.AccessKeyID == "" {
			return fmt.Errorf("authentication.users[%d].access_key_id must not be empty", i)
		}
		if user.SecretAccessKey == "" {
			return fmt.Errorf("authentication.users[%d].secret_access_key must not be empty", i)
		}
	}

	if c.MetadataCleanup.CleanupIntervalMinutes <= 0 {
		return fmt.Errorf("metadata_cleanup.cleanup_interval_minutes must be positive")
	}
	if c.MetadataCleanup.BatchSize <= 0 {
		return fmt.Errorf("metadata_cleanup.batch_size must be positive")
	}

	return nil
}
