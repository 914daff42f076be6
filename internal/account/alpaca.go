package account

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"go.uber.org/zap"
)

type alpacaAccountClient interface {
	GetAccount() (*alpaca.Account, error)
}

// AlpacaProvider 从 Alpaca 账户接口读取净值与购买力。
type AlpacaProvider struct {
	client alpacaAccountClient
	logger *zap.Logger
}

var _ Provider = (*AlpacaProvider)(nil)

// NewAlpacaProvider 创建 Alpaca 账户源。
func NewAlpacaProvider(client alpacaAccountClient, logger *zap.Logger) *AlpacaProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlpacaProvider{client: client, logger: logger}
}

// Snapshot 拉取账户快照，任何失败均映射为 ErrUnavailable。
func (p *AlpacaProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	acct, err := p.client.GetAccount()
	if err != nil {
		p.logger.Warn("获取 Alpaca 账户失败", zap.Error(err))
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if acct == nil {
		return Snapshot{}, fmt.Errorf("%w: 空账户响应", ErrUnavailable)
	}
	if acct.TradingBlocked || acct.AccountBlocked {
		return Snapshot{}, fmt.Errorf("%w: 账户 %s 已被限制交易", ErrUnavailable, acct.AccountNumber)
	}
	if !acct.Equity.IsPositive() {
		return Snapshot{}, fmt.Errorf("%w: 账户净值无效 %s", ErrUnavailable, acct.Equity)
	}

	return Snapshot{
		AccountID:      acct.AccountNumber,
		NetLiquidation: acct.Equity,
		BuyingPower:    acct.BuyingPower,
		Currency:       acct.Currency,
		At:             time.Now().UTC(),
	}, nil
}
