package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了下单台运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Paper      PaperConfig      `mapstructure:"paper"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Submission SubmissionConfig `mapstructure:"submission"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 选择券商网关，name 取 paper、alpaca 或 ccxt。
type BrokerConfig struct {
	Name   string       `mapstructure:"name"`
	Alpaca AlpacaConfig `mapstructure:"alpaca"`
	CCXT   CCXTConfig   `mapstructure:"ccxt"`
}

// AlpacaConfig 描述 Alpaca 账户。
type AlpacaConfig struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	BaseURL     string `mapstructure:"base_url"`
	TimeInForce string `mapstructure:"time_in_force"`
}

// CCXTConfig 描述 ccxt 执行端交易所配置。
type CCXTConfig struct {
	Exchange    string `mapstructure:"exchange"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	APIPass     string `mapstructure:"api_password"`
	UseSandbox  bool   `mapstructure:"use_sandbox"`
	Wallet      string `mapstructure:"wallet_address"`
	PrivateKey  string `mapstructure:"private_key"`
	TimeInForce string `mapstructure:"time_in_force"`
	PostOnly    bool   `mapstructure:"post_only"`
}

// PaperConfig 为模拟盘账户。
type PaperConfig struct {
	AccountID   string  `mapstructure:"account_id"`
	Equity      float64 `mapstructure:"equity"`
	BuyingPower float64 `mapstructure:"buying_power"`
	Currency    string  `mapstructure:"currency"`
}

// TargetConfig 以 R 倍数描述默认止盈档位。
type TargetConfig struct {
	RMultiple         float64 `mapstructure:"r_multiple"`
	AllocationPercent float64 `mapstructure:"allocation_percent"`
}

// RiskConfig 管理风控参数，百分比均以 0-100 表示。
type RiskConfig struct {
	MaxRiskPercent         float64        `mapstructure:"max_risk_percent"`
	MaxPositionPercent     float64        `mapstructure:"max_position_percent"`
	MinStopDistancePercent float64        `mapstructure:"min_stop_distance_percent"`
	DefaultRiskPercent     float64        `mapstructure:"default_risk_percent"`
	DefaultTargets         []TargetConfig `mapstructure:"default_targets"`
	ATRPeriod              int            `mapstructure:"atr_period"`
	ATRMultiplier          float64        `mapstructure:"atr_multiplier"`
}

// SubmissionConfig 控制提交行为。
type SubmissionConfig struct {
	AckTimeout   time.Duration `mapstructure:"ack_timeout"`
	AllOrNothing bool          `mapstructure:"all_or_nothing"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制审计查询与指标接口。
type MonitorConfig struct {
	Port int `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch strings.ToLower(c.Broker.Name) {
	case "paper":
		if c.Paper.Equity <= 0 {
			err = multierr.Append(err, errors.New("paper.equity 必须大于0"))
		}
		if c.Paper.BuyingPower < 0 {
			err = multierr.Append(err, errors.New("paper.buying_power 不能为负"))
		}
	case "alpaca":
		if c.Broker.Alpaca.APIKey == "" || c.Broker.Alpaca.APISecret == "" {
			err = multierr.Append(err, errors.New("alpaca 需要配置 api_key 与 api_secret"))
		}
		if tif := strings.ToLower(c.Broker.Alpaca.TimeInForce); tif != "" && tif != "day" && tif != "gtc" {
			err = multierr.Append(err, fmt.Errorf("broker.alpaca.time_in_force 仅支持 day 或 gtc: %s", c.Broker.Alpaca.TimeInForce))
		}
	case "ccxt":
		if c.Broker.CCXT.Exchange == "" {
			err = multierr.Append(err, errors.New("broker.ccxt.exchange 不能为空"))
		}
		if strings.EqualFold(c.Broker.CCXT.Exchange, "hyperliquid") {
			if c.Broker.CCXT.Wallet == "" || c.Broker.CCXT.PrivateKey == "" {
				err = multierr.Append(err, errors.New("hyperliquid 交易需要配置 wallet_address 与 private_key"))
			}
		}
	default:
		err = multierr.Append(err, fmt.Errorf("broker.name 仅支持 paper、alpaca、ccxt: %q", c.Broker.Name))
	}

	if c.Risk.MaxRiskPercent <= 0 || c.Risk.MaxRiskPercent > 10 {
		err = multierr.Append(err, errors.New("risk.max_risk_percent 必须位于(0,10]"))
	}
	if c.Risk.MaxPositionPercent <= 0 {
		err = multierr.Append(err, errors.New("risk.max_position_percent 必须大于0"))
	}
	if c.Risk.MinStopDistancePercent < 0 {
		err = multierr.Append(err, errors.New("risk.min_stop_distance_percent 不能为负"))
	}
	if c.Risk.DefaultRiskPercent <= 0 || c.Risk.DefaultRiskPercent > c.Risk.MaxRiskPercent {
		err = multierr.Append(err, errors.New("risk.default_risk_percent 必须位于(0,max_risk_percent]"))
	}
	if n := len(c.Risk.DefaultTargets); n == 0 || n > 4 {
		err = multierr.Append(err, errors.New("risk.default_targets 需要 1 到 4 档"))
	} else {
		var sum float64
		for i, t := range c.Risk.DefaultTargets {
			if t.RMultiple <= 0 {
				err = multierr.Append(err, fmt.Errorf("risk.default_targets[%d].r_multiple 必须大于0", i))
			}
			if t.AllocationPercent <= 0 {
				err = multierr.Append(err, fmt.Errorf("risk.default_targets[%d].allocation_percent 必须大于0", i))
			}
			sum += t.AllocationPercent
		}
		if sum < 99.99 || sum > 100.01 {
			err = multierr.Append(err, fmt.Errorf("risk.default_targets 分配比例合计应为100: %.2f", sum))
		}
	}
	if c.Risk.ATRPeriod <= 0 {
		err = multierr.Append(err, errors.New("risk.atr_period 必须大于0"))
	}
	if c.Risk.ATRMultiplier <= 0 {
		err = multierr.Append(err, errors.New("risk.atr_multiplier 必须大于0"))
	}

	if c.Submission.AckTimeout <= 0 {
		err = multierr.Append(err, errors.New("submission.ack_timeout 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
