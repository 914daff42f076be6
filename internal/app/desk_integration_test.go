//go:build integration
// +build integration

package app

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"trades-desk/internal/config"
	"trades-desk/internal/execution"
	"trades-desk/internal/risk"
	"trades-desk/internal/store"
)

// 需要环境变量 DESK_IT_SYMBOL、DESK_IT_ENTRY、DESK_IT_STOP，入场价应远离市价以免成交。
func TestDeskIntegration_SubmitAndCancel(t *testing.T) {
	configPath := os.Getenv("DESK_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	switch strings.ToLower(cfg.Broker.Name) {
	case "alpaca":
		if !strings.Contains(cfg.Broker.Alpaca.BaseURL, "paper") {
			t.Skip("broker.alpaca.base_url 不是模拟盘，出于安全考虑跳过真实下单测试")
		}
	case "ccxt":
		if !cfg.Broker.CCXT.UseSandbox {
			t.Skip("broker.ccxt.use_sandbox=false，出于安全考虑跳过真实下单测试")
		}
	default:
		t.Skip("broker.name 不是真实券商，跳过测试")
	}

	symbol := os.Getenv("DESK_IT_SYMBOL")
	entry, errEntry := strconv.ParseFloat(os.Getenv("DESK_IT_ENTRY"), 64)
	stop, errStop := strconv.ParseFloat(os.Getenv("DESK_IT_STOP"), 64)
	if symbol == "" || errEntry != nil || errStop != nil {
		t.Skip("缺少 DESK_IT_SYMBOL/DESK_IT_ENTRY/DESK_IT_STOP，跳过测试")
	}

	cfg.Database.InMemory = true
	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		t.Fatalf("初始化数据库失败: %v", err)
	}
	defer st.Close()

	logger, _ := zap.NewDevelopment()
	a, err := New(cfg, logger, st)
	if err != nil {
		t.Fatalf("初始化下单台失败: %v", err)
	}
	desk := a.Desk()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	params, err := risk.TradeParamsFromFloats(symbol, risk.DirectionLong, risk.OrderTypeLimit, entry, stop, 0, 0.1, nil)
	if err != nil {
		t.Fatalf("构造请求失败: %v", err)
	}
	params.ProfitTargets, err = desk.SuggestTargets(params.Direction, params.Entry, params.Stop)
	if err != nil {
		t.Fatalf("推算止盈失败: %v", err)
	}
	req := risk.NewTradeRequest(params)

	validation, err := desk.ValidateTrade(ctx, req)
	if err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("校验未通过: %v", validation.Reasons())
	}

	sets, err := desk.BuildBrackets(ctx, req, validation.Sizing)
	if err != nil {
		t.Fatalf("生成括号单失败: %v", err)
	}

	result, err := desk.Submit(ctx, sets)
	if err != nil {
		t.Fatalf("提交失败: %v (status=%s)", err, result.Status)
	}
	t.Logf("提交结果 status=%s tiers=%d", result.Status, len(result.Tiers))

	active, err := desk.ActiveOrders(ctx)
	if err != nil {
		t.Errorf("查询活动委托失败: %v", err)
	}
	t.Logf("活动委托 %d 条", len(active))

	for _, tier := range result.Tiers {
		parent := tier.Legs[0]
		if parent.Status != execution.LegAccepted {
			continue
		}
		ack, err := desk.CancelOrder(ctx, parent.OrderID)
		if err != nil {
			t.Errorf("撤单失败 %s: %v", parent.OrderID, err)
			continue
		}
		t.Logf("撤单回执 %s status=%s", parent.OrderID, ack.Status)
	}
}
