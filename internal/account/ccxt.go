package account

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceClient interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
}

var quoteCodes = []string{"USD", "USDC", "USDT"}

// CCXTProvider 通过 ccxt 余额接口构造账户快照。
type CCXTProvider struct {
	client    balanceClient
	accountID string
	logger    *zap.Logger
}

var _ Provider = (*CCXTProvider)(nil)

// NewCCXTProvider 创建 ccxt 账户源。
func NewCCXTProvider(client balanceClient, accountID string, logger *zap.Logger) *CCXTProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXTProvider{client: client, accountID: accountID, logger: logger}
}

// Snapshot 读取余额，净值取总额，购买力取可用余额。
func (p *CCXTProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	balances, err := p.client.FetchBalance()
	if err != nil {
		p.logger.Warn("获取账户余额失败", zap.Error(err))
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var (
		equity   float64
		free     float64
		currency string
	)

	for _, code := range quoteCodes {
		if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
			equity = *total
			currency = code
			if f, ok := balances.Free[code]; ok && f != nil {
				free = *f
			}
			break
		}
	}

	if balances.Info != nil {
		if summary, ok := balances.Info["marginSummary"].(map[string]interface{}); ok && equity == 0 {
			equity = parseNumeric(summary["accountValue"])
		}
		if v := parseNumeric(balances.Info["withdrawable"]); v > 0 {
			free = v
		}
	}

	if equity <= 0 {
		return Snapshot{}, fmt.Errorf("%w: 余额中没有可用的美元净值", ErrUnavailable)
	}
	if currency == "" {
		currency = "USD"
	}

	return Snapshot{
		AccountID:      p.accountID,
		NetLiquidation: decimal.NewFromFloat(equity),
		BuyingPower:    decimal.NewFromFloat(free),
		Currency:       currency,
		At:             time.Now().UTC(),
	}, nil
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
