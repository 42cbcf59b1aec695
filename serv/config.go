package serv

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dosco/mongoqb/core"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// eg. MONGOQB_MONGO_HOST overrides mongo_host.
const EnvPrefix = "MONGOQB"

// Configuration for the mongoqb service
type Config struct {
	// Configuration for the service itself
	Serv `mapstructure:",squash" yaml:",inline"`

	// Configuration for the MongoDB connection
	Mongo `mapstructure:",squash" yaml:",inline"`

	viper *viper.Viper
}

// Configuration for the service
type Serv struct {
	// Application name is used in log and debug messages
	AppName string `mapstructure:"app_name" yaml:"app_name"`

	// When enabled logs default to JSON
	Production bool `mapstructure:"production" yaml:"production"`

	// The default path to find all configuration files
	ConfigPath string `mapstructure:"config_path" yaml:"-"`

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Logging Format: "auto" (default, colored console in dev, JSON in production),
	// "json" (always JSON), or "simple" (always colored console)
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

// Mongo holds the connection settings
type Mongo struct {
	Host     string `mapstructure:"mongo_host" yaml:"mongo_host"`
	Port     int    `mapstructure:"mongo_port" yaml:"mongo_port"`
	DB       string `mapstructure:"mongo_db" yaml:"mongo_db"`
	User     string `mapstructure:"mongo_username" yaml:"mongo_username,omitempty"`
	Password string `mapstructure:"mongo_password" yaml:"mongo_password,omitempty"`

	// Time allowed for a single connection attempt
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// Connection attempts made before giving up
	ConnectRetries int `mapstructure:"connect_retries" yaml:"connect_retries"`

	// Number of collection handles kept per service
	CacheSize int `mapstructure:"collection_cache_size" yaml:"collection_cache_size"`
}

var configKeys = []string{
	"app_name", "production", "log_level", "log_format",
	"mongo_host", "mongo_port", "mongo_db", "mongo_username", "mongo_password",
	"connect_timeout", "connect_retries", "collection_cache_size",
}

// ReadInConfig function reads in the config file for the environment specified in the GO_ENV
// environment variable. This is the best way to create a new mongoqb config.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but it also takes a filesytem as an argument
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	if pcf := vi.GetString("inherits"); pcf != "" {
		cf := vi.ConfigFileUsed()
		vi = newViper(cp, pcf)
		if fs != nil {
			vi.SetFs(fs)
		}

		if err := vi.ReadInConfig(); err != nil {
			return nil, err
		}

		if value := vi.GetString("inherits"); value != "" {
			return nil, fmt.Errorf("inherited config '%s' cannot itself inherit '%s'", pcf, value)
		}

		vi.SetConfigFile(cf)

		if err := vi.MergeInConfig(); err != nil {
			return nil, err
		}
	}

	config := &Config{viper: vi}

	if err := vi.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}
	config.ConfigPath = cp

	return config, nil
}

// NewConfig function creates a new mongoqb configuration from the provided config string
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}

	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	return c, nil
}

// newViperWithDefaults returns a new viper instance with the default settings
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("app_name", "mongoqb")
	vi.SetDefault("production", false)

	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")

	vi.SetDefault("mongo_host", core.DefaultHost)
	vi.SetDefault("mongo_port", core.DefaultPort)
	vi.SetDefault("connect_timeout", "10s")
	vi.SetDefault("connect_retries", 5)
	vi.SetDefault("collection_cache_size", core.DefaultCacheSize)

	vi.SetEnvPrefix(EnvPrefix)
	for _, k := range configKeys {
		vi.BindEnv(k) //nolint:errcheck
	}

	return vi
}

// newViper returns a new viper instance with the default settings
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// AbsolutePath returns the absolute path of the file
func (c *Config) AbsolutePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ConfigPath, p)
}

// Validate checks the settings needed to connect. A missing host or port and
// a missing database are reported as distinct errors.
func (c *Config) Validate() error {
	if c.Host == "" || c.Port <= 0 {
		return errors.Wrapf(core.ErrMissingConnectionConfig, "mongo_host %q mongo_port %d", c.Host, c.Port)
	}
	if c.DB == "" {
		return errors.Wrap(core.ErrMissingDatabaseConfig, "mongo_db")
	}
	return nil
}

// ConnString assembles mongodb://[user:pass@]host:port/db from the config.
// Credentials are escaped.
func (c *Config) ConnString() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.DB,
	}
	// credentials are only sent as a pair
	if c.User != "" && c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String(), nil
}

// ShouldUseJSONLogs returns true if logs should be in JSON format.
// Returns true if log_format is "json" OR if log_format is "auto" and production mode is enabled.
// Returns false otherwise (colored console output for dev mode).
func (c *Config) ShouldUseJSONLogs() bool {
	if c.LogFormat == "json" {
		return true
	}
	if c.LogFormat == "auto" && c.Production {
		return true
	}
	return false
}

// GetConfigName returns the name of the configuration
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}
