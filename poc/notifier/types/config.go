package types

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config struct
type Config struct {
	LogLevel  string          `mapstructure:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat string          `mapstructure:"logFormat" validate:"oneof=json console"`
	Index     IndexConfig     `mapstructure:"index"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Ban       BanConfig       `mapstructure:"ban"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Links     []LinkConfig    `mapstructure:"links" validate:"dive"`
}

type IndexConfig struct {
	URL              string         `mapstructure:"url" validate:"required"`
	Path             string         `mapstructure:"path" validate:"required"`
	Branch           string         `mapstructure:"branch" validate:"required"`
	AutomationAuthor string         `mapstructure:"automationAuthor" validate:"required"`
	PullDelay        time.Duration  `mapstructure:"pullDelay" validate:"gt=0"`
	CheckoutWorktree bool           `mapstructure:"checkoutWorktree"`
	Auth             *GitAuthConfig `mapstructure:"auth,omitempty"`
}

// GitAuthConfig holds credentials for private index mirrors. Certificates are PEM files.
type GitAuthConfig struct {
	Username     string `mapstructure:"username"`
	Token        string `mapstructure:"token"`
	CABundleFile string `mapstructure:"caBundleFile"`
	ClientCert   string `mapstructure:"clientCert" validate:"required_with=ClientKey"`
	ClientKey    string `mapstructure:"clientKey" validate:"required_with=ClientCert"`
}

// PEMFiles is the certificate material referenced by a GitAuthConfig.
type PEMFiles struct {
	CABundle   []byte
	ClientCert []byte
	ClientKey  []byte
}

// LoadPEMFiles reads the configured certificate files. Unset paths yield nil contents.
func (a *GitAuthConfig) LoadPEMFiles() (PEMFiles, error) {
	var files PEMFiles
	for _, f := range []struct {
		path string
		dst  *[]byte
	}{
		{a.CABundleFile, &files.CABundle},
		{a.ClientCert, &files.ClientCert},
		{a.ClientKey, &files.ClientKey},
	} {
		if f.path == "" {
			continue
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return PEMFiles{}, ConfigError(OperationReadingConfig, fmt.Errorf("failed to read %s: %w", f.path, err))
		}
		*f.dst = data
	}
	return files, nil
}

type TelegramConfig struct {
	BotToken string        `mapstructure:"botToken" validate:"required"`
	APIURL   string        `mapstructure:"apiURL" validate:"required,url"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type BroadcastConfig struct {
	// ChatID is the channel every event is announced in; unset disables the broadcast
	ChatID *int64 `mapstructure:"chatId,omitempty"`
}

type BanConfig struct {
	Packages []string `mapstructure:"packages"`
	// File is an optional YAML file with a `packages` list, merged with Packages
	File string `mapstructure:"file"`
}

type DeliveryConfig struct {
	RetryAttempts        int           `mapstructure:"retryAttempts" validate:"min=1"`
	RetryDelay           time.Duration `mapstructure:"retryDelay" validate:"gte=0"`
	InterSubscriberDelay time.Duration `mapstructure:"interSubscriberDelay" validate:"gte=0"`
	// RatePerSecond caps outbound messages across all flows; 0 disables the cap
	RatePerSecond float64 `mapstructure:"ratePerSecond" validate:"gte=0"`
	Burst         int     `mapstructure:"burst" validate:"min=1"`
	QueueCapacity int     `mapstructure:"queueCapacity" validate:"min=1"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=file sqlite"`
	Path   string `mapstructure:"path" validate:"required"`
}

type MetricsConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

// LinkConfig is a link appended to every notification. URL may contain {name} and {version}.
type LinkConfig struct {
	Title string `mapstructure:"title" validate:"required"`
	URL   string `mapstructure:"url" validate:"required"`
}

// ConfigManager interface
type ConfigManager interface {
	LoadAndValidateConfig() (*Config, error)
}

// configManager implementation
type configManager struct {
	validator      *validator.Validate
	configFilePath string
}

// NewConfigManager creates a new ConfigManager
func NewConfigManager(completeFilePath string) ConfigManager {
	return &configManager{
		validator:      validator.New(),
		configFilePath: completeFilePath,
	}
}

// LoadAndValidateConfig reads the YAML config file, applies NOTIFIER_* environment overrides
// and defaults, and validates the result.
func (cm *configManager) LoadAndValidateConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(cm.configFilePath)
	v.SetEnvPrefix("NOTIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, ConfigError(OperationReadingConfig, fmt.Errorf("failed to read config file: %w", err))
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, ConfigError(OperationReadingConfig, fmt.Errorf("failed to unmarshal config: %w", err))
	}

	if err := cm.validateConfig(&config); err != nil {
		return nil, ConfigError(OperationValidatingConfig, err)
	}

	return &config, nil
}

// validateConfig validates the configuration
func (cm *configManager) validateConfig(config *Config) error {
	err := cm.validator.Struct(config)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "console")

	v.SetDefault("index.url", "https://github.com/rust-lang/crates.io-index")
	v.SetDefault("index.path", "data/index")
	v.SetDefault("index.branch", "master")
	v.SetDefault("index.automationAuthor", "bors")
	v.SetDefault("index.pullDelay", 5*time.Minute)
	v.SetDefault("index.checkoutWorktree", false)

	v.SetDefault("telegram.botToken", "")
	v.SetDefault("telegram.apiURL", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", 30*time.Second)

	v.SetDefault("ban.packages", []string{})
	v.SetDefault("ban.file", "")

	v.SetDefault("delivery.retryAttempts", 5)
	v.SetDefault("delivery.retryDelay", 5*time.Second)
	v.SetDefault("delivery.interSubscriberDelay", 100*time.Millisecond)
	v.SetDefault("delivery.ratePerSecond", 0)
	v.SetDefault("delivery.burst", 1)
	v.SetDefault("delivery.queueCapacity", 2)

	v.SetDefault("database.driver", "file")
	v.SetDefault("database.path", "data/")

	v.SetDefault("metrics.listenAddress", "")

	v.SetDefault("links", []map[string]string{
		{"title": "crates.io", "url": "https://crates.io/crates/{name}/{version}"},
		{"title": "docs.rs", "url": "https://docs.rs/{name}/{version}"},
	})
}

// BannedPackages returns the set of packages that are never broadcast.
func (c *Config) BannedPackages() (map[string]struct{}, error) {
	banned := make(map[string]struct{}, len(c.Ban.Packages))
	for _, name := range c.Ban.Packages {
		banned[name] = struct{}{}
	}

	if c.Ban.File == "" {
		return banned, nil
	}

	fromFile, err := LoadBanList(c.Ban.File)
	if err != nil {
		return nil, err
	}
	for _, name := range fromFile {
		banned[name] = struct{}{}
	}
	return banned, nil
}

// LoadBanList reads a YAML document of the form `packages: [a, b]`.
func LoadBanList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ConfigError(OperationReadingConfig, fmt.Errorf("failed to read ban list: %w", err))
	}

	var list struct {
		Packages []string `yaml:"packages"`
	}
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, ConfigError(OperationReadingConfig, fmt.Errorf("failed to parse ban list %s: %w", path, err))
	}
	return list.Packages, nil
}
