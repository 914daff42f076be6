package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "desk"
)

// Load 读取配置文件并结合环境变量返回 Config。当前目录下的 .env 会先被载入环境变量。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅由默认值构成的配置，用于没有配置文件的模拟盘。
func Default() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.name", "paper")
	v.SetDefault("broker.alpaca.api_key", "")
	v.SetDefault("broker.alpaca.api_secret", "")
	v.SetDefault("broker.alpaca.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.alpaca.time_in_force", "day")
	v.SetDefault("broker.ccxt.exchange", "hyperliquid")
	v.SetDefault("broker.ccxt.api_key", "")
	v.SetDefault("broker.ccxt.api_secret", "")
	v.SetDefault("broker.ccxt.api_password", "")
	v.SetDefault("broker.ccxt.use_sandbox", false)
	v.SetDefault("broker.ccxt.wallet_address", "")
	v.SetDefault("broker.ccxt.private_key", "")
	v.SetDefault("broker.ccxt.time_in_force", "GTC")
	v.SetDefault("broker.ccxt.post_only", false)

	v.SetDefault("paper.account_id", "PAPER")
	v.SetDefault("paper.equity", 100000)
	v.SetDefault("paper.buying_power", 200000)
	v.SetDefault("paper.currency", "USD")

	v.SetDefault("risk.max_risk_percent", 2.0)
	v.SetDefault("risk.max_position_percent", 100.0)
	v.SetDefault("risk.min_stop_distance_percent", 0.5)
	v.SetDefault("risk.default_risk_percent", 1.0)
	v.SetDefault("risk.default_targets", []map[string]interface{}{
		{"r_multiple": 2.0, "allocation_percent": 25.0},
		{"r_multiple": 4.0, "allocation_percent": 25.0},
		{"r_multiple": 6.0, "allocation_percent": 25.0},
		{"r_multiple": 20.0, "allocation_percent": 25.0},
	})
	v.SetDefault("risk.atr_period", 14)
	v.SetDefault("risk.atr_multiplier", 1.5)

	v.SetDefault("submission.ack_timeout", "10s")
	v.SetDefault("submission.all_or_nothing", false)

	v.SetDefault("database.path", "data/trades_desk.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stderr"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.port", 8090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
