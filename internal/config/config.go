package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ResponseTypeJSON = "json"
	ResponseTypePNG  = "png"

	DefaultPollInterval = 500 * time.Millisecond
)

// Config holds all application configuration
type Config struct {
	// Connection settings
	Host               string
	Port               int
	ResponseType       string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration

	// Credentials
	Username string
	Password string
	Realm    string
	APIToken string

	// Task wait settings
	PollInterval time.Duration
	TaskTimeout  time.Duration
	StrictWait   bool

	// Local state
	DataDir string

	// API settings
	BaseURL string
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           8006,
		ResponseType:   ResponseTypeJSON,
		RequestTimeout: 30 * time.Second,
		Realm:          "pam",
		PollInterval:   DefaultPollInterval,
		TaskTimeout:    10 * time.Second,
		StrictWait:     true,
		DataDir:        "~/.pvectl",
	}
}

// LoadFromEnvironment loads configuration from PVE_* environment variables and,
// when PVE_CONFIG names one, from a config file. Environment wins over the file.
func (c *Config) LoadFromEnvironment() error {
	v := viper.New()
	v.SetEnvPrefix("PVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	c.apply(v)
	return nil
}

func (c *Config) apply(v *viper.Viper) {
	if v.IsSet("host") {
		c.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		c.Port = v.GetInt("port")
	}
	if v.IsSet("response_type") {
		c.ResponseType = v.GetString("response_type")
	}
	if v.IsSet("insecure") {
		c.InsecureSkipVerify = v.GetBool("insecure")
	}
	if v.IsSet("request_timeout_ms") {
		c.RequestTimeout = time.Duration(v.GetInt("request_timeout_ms")) * time.Millisecond
	}
	if v.IsSet("username") {
		c.Username = v.GetString("username")
	}
	if v.IsSet("password") {
		c.Password = v.GetString("password")
	}
	if v.IsSet("realm") {
		c.Realm = v.GetString("realm")
	}
	if v.IsSet("api_token") {
		c.APIToken = v.GetString("api_token")
	}
	if v.IsSet("poll_interval_ms") {
		c.PollInterval = time.Duration(v.GetInt("poll_interval_ms")) * time.Millisecond
	}
	if v.IsSet("task_timeout_ms") {
		c.TaskTimeout = time.Duration(v.GetInt("task_timeout_ms")) * time.Millisecond
	}
	if v.IsSet("strict_wait") {
		c.StrictWait = v.GetBool("strict_wait")
	}
	if v.IsSet("data_dir") {
		c.DataDir = v.GetString("data_dir")
	}
}

// SetBaseURL sets the base URL from host, port and response type
func (c *Config) SetBaseURL() {
	host := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	c.BaseURL = fmt.Sprintf("https://%s/api2/%s", host, c.ResponseType)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Port)
	}

	if c.ResponseType != ResponseTypeJSON && c.ResponseType != ResponseTypePNG {
		return fmt.Errorf("response type must be %q or %q, got: %q", ResponseTypeJSON, ResponseTypePNG, c.ResponseType)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got: %v", c.RequestTimeout)
	}

	if c.APIToken == "" && c.Username == "" {
		return fmt.Errorf("either an API token or a username is required")
	}

	if c.APIToken != "" && !strings.Contains(c.APIToken, "=") {
		return fmt.Errorf("API token must have the form user@realm!tokenid=secret")
	}

	return nil
}
