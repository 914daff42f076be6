package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable 表示无法取得账户快照，调用方必须视为无法继续，不能以零值代替。
var ErrUnavailable = errors.New("account: 账户快照不可用")

// Snapshot 为校验时刻读取的账户只读副本。
type Snapshot struct {
	AccountID      string          `json:"account_id"`
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Currency       string          `json:"currency"`
	At             time.Time       `json:"at"`
}

// Provider 抽象账户数据来源，可在校验时同步拉取。
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Static 返回固定快照，用于模拟盘与测试。
type Static struct {
	mu          sync.RWMutex
	snapshot    Snapshot
	unavailable bool
}

var _ Provider = (*Static)(nil)

// NewStatic 使用给定快照创建静态账户源。
func NewStatic(snapshot Snapshot) *Static {
	return &Static{snapshot: snapshot}
}

// Snapshot 返回快照副本。
func (s *Static) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return Snapshot{}, ErrUnavailable
	}

	snap := s.snapshot
	if snap.At.IsZero() {
		snap.At = time.Now().UTC()
	}
	return snap, nil
}

// Update 替换当前快照并恢复可用状态。
func (s *Static) Update(snapshot Snapshot) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.unavailable = false
	s.mu.Unlock()
}

// SetUnavailable 模拟账户连接中断。
func (s *Static) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	s.unavailable = unavailable
	s.mu.Unlock()
}
