// Package config centralises runtime configuration for the Mooring core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Mooring operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// EndpointBudget declares the weighted call budget for one REST endpoint group.
type EndpointBudget struct {
	Name     string        `yaml:"name"`
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

// GovernorConfig tunes per-endpoint rate governance and server backoff.
type GovernorConfig struct {
	Budgets         []EndpointBudget `yaml:"budgets"`
	BackoffBase     time.Duration    `yaml:"backoffBase"`
	BackoffCap      time.Duration    `yaml:"backoffCap"`
	DefaultCapacity int              `yaml:"defaultCapacity"`
	DefaultWindow   time.Duration    `yaml:"defaultWindow"`
}

// StreamConfig tunes one supervised WebSocket connection.
type StreamConfig struct {
	URL               string        `yaml:"url"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	ReconnectBase     time.Duration `yaml:"reconnectBase"`
	ReconnectCap      time.Duration `yaml:"reconnectCap"`
	MaxProtocolErrors int           `yaml:"maxProtocolErrors"`
	QueueSize         int           `yaml:"queueSize"`
}

// FundingConfig bounds and ages funding-rate samples.
type FundingConfig struct {
	// MaxRatePerHour is the validation bound as a fraction per hour,
	// scaled to each sample's funding interval before comparison.
	MaxRatePerHour float64       `yaml:"maxRatePerHour"`
	TTL            time.Duration `yaml:"ttl"`
}

// BalanceConfig tunes the wallet balance cache.
type BalanceConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
}

// OrdersConfig tunes order lifecycle tracking.
type OrdersConfig struct {
	// TerminalGrace is how long a terminal order stays queryable before eviction.
	TerminalGrace time.Duration `yaml:"terminalGrace"`
}

// BybitConfig holds the exchange adapter settings.
type BybitConfig struct {
	RESTBaseURL  string        `yaml:"restBaseUrl"`
	PublicWSURL  string        `yaml:"publicWsUrl"`
	PrivateWSURL string        `yaml:"privateWsUrl"`
	RecvWindow   time.Duration `yaml:"recvWindow"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
	Credentials  Credentials   `yaml:"credentials"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the Mooring configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment   Environment     `yaml:"environment"`
	Governor      GovernorConfig  `yaml:"governor"`
	PublicStream  StreamConfig    `yaml:"publicStream"`
	PrivateStream StreamConfig    `yaml:"privateStream"`
	Funding       FundingConfig   `yaml:"funding"`
	Balance       BalanceConfig   `yaml:"balance"`
	Orders        OrdersConfig    `yaml:"orders"`
	Bybit         BybitConfig     `yaml:"bybit"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// Default returns the default Mooring configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Governor: GovernorConfig{
			Budgets: []EndpointBudget{
				{Name: "place-order", Capacity: 10, Window: time.Second},
				{Name: "cancel-order", Capacity: 10, Window: time.Second},
				{Name: "order-snapshot", Capacity: 50, Window: time.Second},
				{Name: "wallet-balance", Capacity: 50, Window: time.Minute},
				{Name: "funding-rate", Capacity: 120, Window: time.Minute},
				{Name: "execution-history", Capacity: 50, Window: time.Minute},
			},
			BackoffBase:     time.Second,
			BackoffCap:      300 * time.Second,
			DefaultCapacity: 10,
			DefaultWindow:   time.Second,
		},
		PublicStream: StreamConfig{
			URL:               "wss://stream.bybit.com/v5/public/linear",
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 20 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			ReconnectBase:     5 * time.Second,
			ReconnectCap:      300 * time.Second,
			MaxProtocolErrors: 5,
			QueueSize:         1024,
		},
		PrivateStream: StreamConfig{
			URL:               "wss://stream.bybit.com/v5/private",
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 20 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			ReconnectBase:     5 * time.Second,
			ReconnectCap:      300 * time.Second,
			MaxProtocolErrors: 5,
			QueueSize:         1024,
		},
		Funding: FundingConfig{
			MaxRatePerHour: 0.001,
			TTL:            time.Hour,
		},
		Balance: BalanceConfig{
			TTL:          30 * time.Second,
			FetchTimeout: 10 * time.Second,
		},
		Orders: OrdersConfig{
			TerminalGrace: 5 * time.Minute,
		},
		Bybit: BybitConfig{
			RESTBaseURL:  "https://api.bybit.com",
			PublicWSURL:  "wss://stream.bybit.com/v5/public/linear",
			PrivateWSURL: "wss://stream.bybit.com/v5/private",
			RecvWindow:   5 * time.Second,
			HTTPTimeout:  10 * time.Second,
			Credentials:  Credentials{APIKey: "", APISecret: ""},
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "mooring"},
	}
}

// Load reads settings from the YAML file at path, overlaying the defaults.
// A missing file returns the defaults unchanged.
func Load(path string) (Settings, error) {
	settings := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return settings, nil
}

// Budget returns the configured budget for the named endpoint group, falling
// back to the governor defaults when the endpoint is not declared.
func (g GovernorConfig) Budget(name string) EndpointBudget {
	for _, budget := range g.Budgets {
		if budget.Name == name {
			return budget
		}
	}
	return EndpointBudget{Name: name, Capacity: g.DefaultCapacity, Window: g.DefaultWindow}
}
