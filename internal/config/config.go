package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantaxis/market-data-service/internal/constant"
)

var (
	ServiceName    = "market-data-service"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string              `mapstructure:"env"`
	Log                     LogConfig           `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration       `mapstructure:"graceful_shutdown_timeout"`
	WebsocketPort           int                 `mapstructure:"websocket_port"`
	Cache                   CacheConfig         `mapstructure:"cache"`
	LoadBalanceStrategy     string              `mapstructure:"load_balance_strategy"`
	Catalog                 CatalogConfig       `mapstructure:"catalog"`
	NatsJetstream           NatsJetstreamConfig `mapstructure:"nats_jetstream"`
	GatewayMode             string              `mapstructure:"gateway_mode"`
	Connections             []ConnectionConfig  `mapstructure:"connections"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type CacheConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type CatalogConfig struct {
	Segment string `mapstructure:"segment"`
}

type NatsJetstreamConfig struct {
	URL             string        `mapstructure:"url"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

type ConnectionConfig struct {
	ConnectionID string `mapstructure:"connection_id"`
	FrontAddr    string `mapstructure:"front_addr"`
	BrokerID     string `mapstructure:"broker_id"`
	Enabled      bool   `mapstructure:"enabled"`
	FlowDir      string `mapstructure:"flow_dir"`
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func Default() *EnvConfig {
	return &EnvConfig{
		Env:                     "development",
		Log:                     LogConfig{LogLevel: "info"},
		GracefulShutdownTimeout: 10 * time.Second,
		WebsocketPort:           8765,
		Cache:                   CacheConfig{Host: "127.0.0.1", Port: 6379},
		LoadBalanceStrategy:     "round_robin",
		Catalog:                 CatalogConfig{Segment: "qamddata"},
		GatewayMode:             "sim",
	}
}

// Legacy builds the single-connection configuration used by the positional
// invocation `serve <front_addr> <broker_id> <websocket_port>`. The single
// gateway link is modeled as a pool of size one.
func Legacy(frontAddr, brokerID string, websocketPort int) *EnvConfig {
	cfg := Default()
	cfg.WebsocketPort = websocketPort
	cfg.GatewayMode = "ctp"
	cfg.Connections = []ConnectionConfig{
		{
			ConnectionID: constant.SingleConnectionID,
			FrontAddr:    frontAddr,
			BrokerID:     brokerID,
			Enabled:      true,
			FlowDir:      "./ctpflow/single/",
		},
	}

	return cfg
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	Env = Default()
	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}
