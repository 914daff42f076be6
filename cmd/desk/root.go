package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trades-desk/internal/app"
	"trades-desk/internal/config"
	"trades-desk/internal/log"
	"trades-desk/internal/store"
)

type session struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	app    *app.App
}

func (r *session) close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("关闭数据库失败", zap.Error(err))
		}
	}
	_ = r.logger.Sync()
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "desk",
		Short: "Bracket order desk: validate, size and submit multi-target bracket orders",
		Long: `Desk turns a trade idea (symbol, direction, entry, stop, targets, risk %)
into risk-checked, correctly sized bracket orders and submits them to the configured broker.

Every step is written to the audit log before the next one is allowed:
  validate -> build -> submit`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认使用 configs/config.yaml")

	boot := func(ctx context.Context) (*session, error) {
		return bootstrap(ctx, configPath)
	}

	root.AddCommand(
		newValidateCmd(boot),
		newSubmitCmd(boot),
		newSuggestCmd(boot),
		newCancelCmd(boot),
		newOrdersCmd(boot),
		newEventsCmd(boot),
		newServeCmd(boot),
	)
	return root
}

func bootstrap(_ context.Context, configPath string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	rt := &session{cfg: cfg, logger: logger, store: st}
	a, err := app.New(cfg, logger, st)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.app = a
	return rt, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
