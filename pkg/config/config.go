package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path                string        `yaml:"path"`
		HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
		ReapFactor          int           `yaml:"reap_factor"`
		SendQueueSize       int           `yaml:"send_queue_size"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Participant struct {
		ServerURL      string        `yaml:"server_url"`
		Name           string        `yaml:"name"`
		Latitude       float64       `yaml:"latitude"`
		Longitude      float64       `yaml:"longitude"`
		StatusInterval time.Duration `yaml:"status_interval"`

		Reconnect struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"participant"`

	WebRTC struct {
		ICEServers       []ICEServer `yaml:"ice_servers"`
		DataChannelLabel string      `yaml:"data_channel_label"`
		GreetingPayload  string      `yaml:"greeting_payload"`
		PortRange        struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled       bool          `yaml:"enabled"`
		Address       string        `yaml:"address"`
		Password      string        `yaml:"password"`
		DB            int           `yaml:"db"`
		PoolSize      int           `yaml:"pool_size"`
		KeyPrefix     string        `yaml:"key_prefix"`
		Channel       string        `yaml:"channel"`
		BatchSize     int           `yaml:"batch_size"`
		BatchInterval time.Duration `yaml:"batch_interval"`
	} `yaml:"redis"`

	API struct {
		CacheTTL    time.Duration `yaml:"cache_ttl"`
		MaxLogSlice int           `yaml:"max_log_slice"`
	} `yaml:"api"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// ReapAfter is how long a session may stay silent before it is dropped.
func (c *Config) ReapAfter() time.Duration {
	return time.Duration(c.Signal.ReapFactor) * c.Signal.HeartbeatInterval
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" || c.Signal.Path[0] != '/' {
		return fmt.Errorf("signal.path must start with '/'")
	}
	if c.Signal.HeartbeatInterval <= 0 {
		return fmt.Errorf("signal.heartbeat_interval must be > 0")
	}
	if c.Signal.ReapFactor < 2 {
		return fmt.Errorf("signal.reap_factor must be >= 2")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be >= 0")
	}

	// Participant
	if c.Participant.ServerURL != "" {
		u, err := url.Parse(c.Participant.ServerURL)
		if err != nil {
			return fmt.Errorf("participant.server_url is invalid: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("participant.server_url must use ws or wss")
		}
	}
	if c.Participant.Latitude < -90 || c.Participant.Latitude > 90 {
		return fmt.Errorf("participant.latitude must be within [-90, 90]")
	}
	if c.Participant.Longitude < -180 || c.Participant.Longitude > 180 {
		return fmt.Errorf("participant.longitude must be within [-180, 180]")
	}
	if c.Participant.StatusInterval <= 0 {
		return fmt.Errorf("participant.status_interval must be > 0")
	}
	if c.Participant.Reconnect.Enabled {
		if c.Participant.Reconnect.MaxAttempts < 0 {
			return fmt.Errorf("participant.reconnect.max_attempts must be >= 0")
		}
		if c.Participant.Reconnect.InitialDelay <= 0 {
			return fmt.Errorf("participant.reconnect.initial_delay must be > 0")
		}
		if c.Participant.Reconnect.MaxDelay < c.Participant.Reconnect.InitialDelay {
			return fmt.Errorf("participant.reconnect.max_delay must be >= initial_delay")
		}
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}
	if c.WebRTC.DataChannelLabel == "" {
		return fmt.Errorf("webrtc.data_channel_label must not be empty")
	}
	if c.WebRTC.GreetingPayload == "" {
		return fmt.Errorf("webrtc.greeting_payload must not be empty")
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsPath == "" {
		return fmt.Errorf("monitoring.metrics_path must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.BatchSize <= 0 {
			return fmt.Errorf("redis.batch_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.BatchInterval <= 0 {
			return fmt.Errorf("redis.batch_interval must be > 0 when redis.enabled=true")
		}
	}

	// API
	if c.API.CacheTTL < 0 {
		return fmt.Errorf("api.cache_ttl must be >= 0")
	}
	if c.API.MaxLogSlice <= 0 {
		return fmt.Errorf("api.max_log_slice must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.HeartbeatInterval = 5 * time.Second
	cfg.Signal.ReapFactor = 2
	cfg.Signal.SendQueueSize = 256
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Participant.ServerURL = "ws://localhost:3000/ws"
	cfg.Participant.StatusInterval = 5 * time.Second
	cfg.Participant.Reconnect.Enabled = true
	cfg.Participant.Reconnect.MaxAttempts = 0
	cfg.Participant.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Participant.Reconnect.MaxDelay = 30 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.DataChannelLabel = "rendezvous"
	cfg.WebRTC.GreetingPayload = "hello"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "rendezvous"
	cfg.Redis.Channel = "rendezvous:events"
	cfg.Redis.BatchSize = 64
	cfg.Redis.BatchInterval = 200 * time.Millisecond

	cfg.API.CacheTTL = 2 * time.Second
	cfg.API.MaxLogSlice = 1000

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "rendezvous"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RENDEZVOUS_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if v := os.Getenv("RENDEZVOUS_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Signal.HeartbeatInterval = d
		}
	}
	if u := os.Getenv("RENDEZVOUS_SERVER_URL"); u != "" {
		c.Participant.ServerURL = u
	}
	if name := os.Getenv("RENDEZVOUS_NAME"); name != "" {
		c.Participant.Name = name
	}
	if v := os.Getenv("RENDEZVOUS_LATITUDE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Participant.Latitude = f
		}
	}
	if v := os.Getenv("RENDEZVOUS_LONGITUDE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Participant.Longitude = f
		}
	}
	if level := os.Getenv("RENDEZVOUS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("RENDEZVOUS_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
}
