package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-desk/internal/account"
	"trades-desk/internal/config"
	"trades-desk/internal/execution"
	"trades-desk/internal/gateway"
	"trades-desk/internal/levels"
	deskLog "trades-desk/internal/log"
	"trades-desk/internal/monitor"
	"trades-desk/internal/order"
	"trades-desk/internal/risk"
	"trades-desk/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	monitor *monitor.Service
	gateway gateway.Gateway
	desk    *Desk
}

// New 按配置组装账户源、券商网关、风控、订单与执行组件。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(st, deskLog.Component(logger, "monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化审计服务失败: %w", err)
	}

	accounts, gw, err := newBroker(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化券商失败: %w", err)
	}

	validator := risk.NewValidator(risk.Limits{
		MaxRiskPercent:         cfg.Risk.MaxRiskPercent,
		MaxPositionPercent:     cfg.Risk.MaxPositionPercent,
		MinStopDistancePercent: cfg.Risk.MinStopDistancePercent,
	}, deskLog.Component(logger, "risk"))
	builder := order.NewBuilder(deskLog.Component(logger, "order"))
	coordinator := execution.NewCoordinator(gw, execution.Options{
		AckTimeout:   cfg.Submission.AckTimeout,
		AllOrNothing: cfg.Submission.AllOrNothing,
	}, deskLog.Component(logger, "execution"))

	desk := NewDesk(accounts, validator, builder, coordinator, monitorSvc, targetSpecs(cfg.Risk.DefaultTargets), deskLog.Component(logger, "desk"))

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		monitor: monitorSvc,
		gateway: gw,
		desk:    desk,
	}, nil
}

// Desk 返回下单台。
func (a *App) Desk() *Desk {
	return a.desk
}

// Monitor 返回审计服务。
func (a *App) Monitor() *monitor.Service {
	return a.monitor
}

// Gateway 返回当前券商网关。
func (a *App) Gateway() gateway.Gateway {
	return a.gateway
}

// Run 启动审计与指标接口并阻塞等待退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("下单台已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.gateway.Name()),
		zap.Bool("all_or_nothing", a.cfg.Submission.AllOrNothing),
	)

	if err := startMonitorServer(ctx, a.monitor, a.cfg.Monitor.Port, a.logger); err != nil {
		return err
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func newBroker(cfg *config.Config, logger *zap.Logger) (account.Provider, gateway.Gateway, error) {
	gwLogger := deskLog.Component(logger, "gateway")
	acctLogger := deskLog.Component(logger, "account")

	switch strings.ToLower(cfg.Broker.Name) {
	case "paper":
		snap := account.Snapshot{
			AccountID:      cfg.Paper.AccountID,
			NetLiquidation: decimal.NewFromFloat(cfg.Paper.Equity),
			BuyingPower:    decimal.NewFromFloat(cfg.Paper.BuyingPower),
			Currency:       cfg.Paper.Currency,
		}
		return account.NewStatic(snap), gateway.NewPaper(gwLogger), nil
	case "alpaca":
		client := alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.Broker.Alpaca.APIKey,
			APISecret: cfg.Broker.Alpaca.APISecret,
			BaseURL:   cfg.Broker.Alpaca.BaseURL,
		})
		return account.NewAlpacaProvider(client, acctLogger),
			gateway.NewAlpaca(client, cfg.Broker.Alpaca.TimeInForce, gwLogger), nil
	case "ccxt":
		client, err := gateway.NewCCXTExchange(cfg.Broker.CCXT)
		if err != nil {
			return nil, nil, err
		}
		accountID := cfg.Broker.CCXT.Wallet
		if accountID == "" {
			accountID = cfg.Broker.CCXT.Exchange
		}
		return account.NewCCXTProvider(client, accountID, acctLogger),
			gateway.NewCCXT(client, gateway.CCXTOptions{
				TimeInForce: cfg.Broker.CCXT.TimeInForce,
				PostOnly:    cfg.Broker.CCXT.PostOnly,
			}, gwLogger), nil
	default:
		return nil, nil, fmt.Errorf("app: 不支持的券商 %q", cfg.Broker.Name)
	}
}

func targetSpecs(targets []config.TargetConfig) []levels.TargetSpec {
	out := make([]levels.TargetSpec, 0, len(targets))
	for _, t := range targets {
		out = append(out, levels.TargetSpec{RMultiple: t.RMultiple, AllocationPercent: t.AllocationPercent})
	}
	return out
}
