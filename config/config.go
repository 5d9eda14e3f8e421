package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Environment string           `json:"environment"`
	Database    DatabaseConfig   `json:"database"`
	Server      ServerConfig     `json:"server"`
	Redis       RedisConfig      `json:"redis"`
	Email       EmailConfig      `json:"email"`
	Delivery    DeliveryConfig   `json:"delivery"`
	Monitoring  MonitoringConfig `json:"monitoring"`
}

type DatabaseConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	User         string        `json:"user"`
	Password     string        `json:"password"`
	DBName       string        `json:"dbname"`
	SSLMode      string        `json:"sslmode"`
	MaxOpenConns int           `json:"max_open_conns"`
	MaxIdleConns int           `json:"max_idle_conns"`
	MaxLifetime  time.Duration `json:"max_lifetime"`
	MaxIdleTime  time.Duration `json:"max_idle_time"`
	ReplicaDSNs  []string      `json:"replica_dsns"`
}

type ServerConfig struct {
	Port           string        `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	MaxHeaderBytes int           `json:"max_header_bytes"`
	RateLimitRPS   float64       `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
}

type RedisConfig struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

type EmailConfig struct {
	BaseURL     string        `json:"base_url"`
	ServerToken string        `json:"server_token"`
	Sender      string        `json:"sender"`
	Timeout     time.Duration `json:"timeout"`
}

type DeliveryConfig struct {
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
	MaxAttempts  int           `json:"max_attempts"`
	BaseBackoff  time.Duration `json:"base_backoff"`
	MaxBackoff   time.Duration `json:"max_backoff"`
	SendRate     float64       `json:"send_rate"`
	SendBurst    int           `json:"send_burst"`
	ClaimTTL     time.Duration `json:"claim_ttl"`
	ReapInterval time.Duration `json:"reap_interval"`
}

type MonitoringConfig struct {
	Enabled  bool   `json:"enabled"`
	LogLevel string `json:"log_level"`
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	config.Environment = env

	configDir, err := filepath.Abs("config")
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.json")

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}

		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	config.loadFromEnv()

	config.setEnvironmentDefaults()

	return config, nil
}

func (c *Config) loadFromEnv() {
	if host := os.Getenv("DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Database.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		c.Database.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		c.Database.Password = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		c.Database.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		c.Database.SSLMode = sslmode
	}

	if serverPort := os.Getenv("SERVER_PORT"); serverPort != "" {
		c.Server.Port = serverPort
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		c.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			c.Redis.Port = p
		}
	}

	if baseURL := os.Getenv("EMAIL_BASE_URL"); baseURL != "" {
		c.Email.BaseURL = baseURL
	}
	if token := os.Getenv("EMAIL_SERVER_TOKEN"); token != "" {
		c.Email.ServerToken = token
	}
	if sender := os.Getenv("EMAIL_SENDER"); sender != "" {
		c.Email.Sender = sender
	}
}

func (c *Config) setEnvironmentDefaults() {
	switch c.Environment {
	case "production":
		c.setProductionDefaults()
	default: // development, staging
		c.setDevelopmentDefaults()
	}
	c.setCommonDefaults()
}

func (c *Config) setDevelopmentDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 1000.0
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 2000
	}
	if c.Delivery.SendRate == 0 {
		c.Delivery.SendRate = 50.0
	}
}

func (c *Config) setProductionDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 200
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 20
	}
	if c.Database.MaxLifetime == 0 {
		c.Database.MaxLifetime = time.Hour
	}
	if c.Database.MaxIdleTime == 0 {
		c.Database.MaxIdleTime = 10 * time.Minute
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 100.0
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 200
	}
	if c.Delivery.SendRate == 0 {
		c.Delivery.SendRate = 10.0
	}
}

func (c *Config) setCommonDefaults() {
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Email.Timeout == 0 {
		c.Email.Timeout = 10 * time.Second
	}
	if c.Delivery.Workers == 0 {
		c.Delivery.Workers = 4
	}
	if c.Delivery.PollInterval == 0 {
		c.Delivery.PollInterval = time.Second
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 5
	}
	if c.Delivery.BaseBackoff == 0 {
		c.Delivery.BaseBackoff = time.Second
	}
	if c.Delivery.MaxBackoff == 0 {
		c.Delivery.MaxBackoff = 10 * time.Minute
	}
	if c.Delivery.SendBurst == 0 {
		c.Delivery.SendBurst = 2 * int(c.Delivery.SendRate)
	}
	if c.Delivery.ClaimTTL == 0 {
		c.Delivery.ClaimTTL = 60 * time.Second
	}
	if c.Delivery.ReapInterval == 0 {
		c.Delivery.ReapInterval = time.Minute
	}
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database port is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("database password is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Email.BaseURL == "" {
		return fmt.Errorf("email provider base URL is required")
	}
	if c.Email.Sender == "" {
		return fmt.Errorf("email sender address is required")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
