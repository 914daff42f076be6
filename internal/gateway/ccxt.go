package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trades-desk/internal/config"
	"trades-desk/internal/order"
)

type ccxtOrderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
}

// CCXTOptions 控制 ccxt 下单参数。
type CCXTOptions struct {
	TimeInForce string
	PostOnly    bool
}

// CCXT 通过 ccxt 下单，止损止盈以 stopLossPrice/takeProfitPrice 参数附在开仓单上。
type CCXT struct {
	client ccxtOrderClient
	opts   CCXTOptions
	stage  *stager
	logger *zap.Logger

	symbols map[string]string // broker id -> symbol
}

var _ Gateway = (*CCXT)(nil)

// NewCCXT 创建 ccxt 网关。
func NewCCXT(client ccxtOrderClient, opts CCXTOptions, logger *zap.Logger) *CCXT {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &CCXT{client: client, opts: opts, logger: logger, symbols: make(map[string]string)}
	g.stage = newStager(g, logger.With(zap.String("gateway", "ccxt")))
	return g
}

// CCXTClient 为下单与读取余额共用的 ccxt 交易所客户端。
type CCXTClient interface {
	ccxtOrderClient
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
}

// NewCCXTExchange 按配置创建 ccxt 交易所客户端，支持 binanceusdm 与 hyperliquid。
func NewCCXTExchange(cfg config.CCXTConfig) (CCXTClient, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	switch strings.ToLower(cfg.Exchange) {
	case "", "binanceusdm":
		userConfig["options"] = map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		}
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return ex, nil
	case "hyperliquid":
		if cfg.Wallet != "" {
			userConfig["walletAddress"] = cfg.Wallet
		}
		if cfg.PrivateKey != "" {
			userConfig["privateKey"] = cfg.PrivateKey
		}
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return ex, nil
	default:
		return nil, fmt.Errorf("gateway: 不支持的交易所 %s", cfg.Exchange)
	}
}

// Name 返回 "ccxt"。
func (g *CCXT) Name() string {
	return "ccxt"
}

// PlaceOrder 暂存或提交一条腿。
func (g *CCXT) PlaceOrder(ctx context.Context, leg order.OrderLeg) (Ack, error) {
	return g.stage.place(ctx, leg)
}

// CancelOrder 撤销委托。
func (g *CCXT) CancelOrder(ctx context.Context, orderID string) (Ack, error) {
	return g.stage.cancel(ctx, orderID)
}

// OrderStatus 查询委托状态。
func (g *CCXT) OrderStatus(ctx context.Context, orderID string) (OrderInfo, error) {
	return g.stage.status(ctx, orderID)
}

// ActiveOrders 返回暂存与未结束的委托。
func (g *CCXT) ActiveOrders(ctx context.Context) ([]OrderInfo, error) {
	return g.stage.active(ctx)
}

func (g *CCXT) precheck(order.OrderLeg) string {
	return ""
}

func (g *CCXT) submitBracket(ctx context.Context, b *bracket) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := bracketParams(b, g.opts)
	side := strings.ToLower(string(b.parent.Side))
	amount := float64(b.parent.Quantity)

	var (
		placed ccxt.Order
		err    error
	)
	switch b.parent.Type {
	case order.TypeMarket:
		placed, err = g.client.CreateMarketOrder(b.parent.Symbol, side, amount,
			ccxt.WithCreateMarketOrderParams(params))
	case order.TypeStopLimit:
		params["triggerPrice"] = b.parent.TriggerPrice.InexactFloat64()
		placed, err = g.client.CreateOrder(b.parent.Symbol, "limit", side, amount,
			ccxt.WithCreateOrderPrice(b.parent.Price.InexactFloat64()),
			ccxt.WithCreateOrderParams(params))
	default:
		placed, err = g.client.CreateLimitOrder(b.parent.Symbol, side, amount, b.parent.Price.InexactFloat64(),
			ccxt.WithCreateLimitOrderParams(params))
	}
	if err != nil {
		return nil, classifyCCXTError(err)
	}
	if placed.Id == nil || *placed.Id == "" {
		return nil, fmt.Errorf("%w: 交易所未返回委托号", ErrUnavailable)
	}

	brokerID := *placed.Id
	g.stage.mu.Lock()
	g.symbols[brokerID] = b.parent.Symbol
	g.stage.mu.Unlock()

	// 止损止盈附在开仓单上，撤销时统一按开仓单处理。
	return map[string]string{
		b.parent.Ref: brokerID,
		b.stop.Ref:   brokerID,
		b.take.Ref:   brokerID,
	}, nil
}

func (g *CCXT) cancel(ctx context.Context, brokerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.stage.mu.Lock()
	symbol, ok := g.symbols[brokerID]
	g.stage.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, brokerID)
	}

	if _, err := g.client.CancelOrder(brokerID, ccxt.WithCancelOrderSymbol(symbol)); err != nil {
		return classifyCCXTError(err)
	}
	return nil
}

func (g *CCXT) status(ctx context.Context, brokerID string) (OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return OrderInfo{}, err
	}
	g.stage.mu.Lock()
	symbol, ok := g.symbols[brokerID]
	g.stage.mu.Unlock()

	var opts []ccxt.FetchOrderOptions
	if ok {
		opts = append(opts, ccxt.WithFetchOrderSymbol(symbol))
	}
	o, err := g.client.FetchOrder(brokerID, opts...)
	if err != nil {
		return OrderInfo{}, classifyCCXTError(err)
	}
	return ccxtOrderInfo(o), nil
}

// active 按本进程下过单的标的逐个查询挂单，没有记录时查询全部标的。
func (g *CCXT) active(ctx context.Context) ([]OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.stage.mu.Lock()
	seen := make(map[string]struct{}, len(g.symbols))
	for _, symbol := range g.symbols {
		seen[symbol] = struct{}{}
	}
	g.stage.mu.Unlock()

	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	if len(symbols) == 0 {
		orders, err := g.client.FetchOpenOrders()
		if err != nil {
			return nil, classifyCCXTError(err)
		}
		return ccxtOrderInfos(orders), nil
	}

	var (
		out  []OrderInfo
		errs error
	)
	for _, symbol := range symbols {
		orders, err := g.client.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", symbol, classifyCCXTError(err)))
			continue
		}
		out = append(out, ccxtOrderInfos(orders)...)
	}
	return out, errs
}

func ccxtOrderInfos(orders []ccxt.Order) []OrderInfo {
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, ccxtOrderInfo(o))
	}
	return out
}

func ccxtOrderInfo(o ccxt.Order) OrderInfo {
	info := OrderInfo{
		OrderID:      derefString(o.Id),
		ClientRef:    derefString(o.ClientOrderId),
		Symbol:       derefString(o.Symbol),
		Side:         strings.ToUpper(derefString(o.Side)),
		Type:         strings.ToUpper(derefString(o.Type)),
		Quantity:     derefDecimal(o.Amount),
		Filled:       derefDecimal(o.Filled),
		Price:        derefDecimal(o.Price),
		BrokerStatus: derefString(o.Status),
	}
	info.State = ccxtState(info.BrokerStatus, info.Filled)
	return info
}

// ccxtState 把 ccxt 统一状态 open/closed/canceled/expired/rejected 归一化。
func ccxtState(status string, filled decimal.Decimal) OrderState {
	switch strings.ToLower(status) {
	case "open":
		if filled.IsPositive() {
			return OrderPartiallyFilled
		}
		return OrderOpen
	case "closed":
		return OrderFilled
	case "canceled", "cancelled", "expired":
		return OrderCancelled
	case "rejected":
		return OrderRejected
	default:
		return OrderUnknown
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefDecimal(v *float64) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*v)
}

func bracketParams(b *bracket, opts CCXTOptions) map[string]interface{} {
	params := map[string]interface{}{
		"reduceOnly":      false,
		"stopLossPrice":   b.stop.Price.InexactFloat64(),
		"takeProfitPrice": b.take.Price.InexactFloat64(),
		"clientOrderId":   b.parent.Ref,
	}
	if opts.PostOnly && b.parent.Type == order.TypeLimit {
		params["postOnly"] = true
	}
	if opts.TimeInForce != "" {
		params["timeInForce"] = strings.ToLower(opts.TimeInForce)
	}
	return params
}

// classifyCCXTError 网络类错误视为券商不可用，其余交易所错误视为拒单。
func classifyCCXTError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: 交易所维护中: %s", ErrUnavailable, message)
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", ErrUnknownOrder, ccxtErr.Message)
		default:
			return &RejectError{Reason: ccxtErr.Message}
		}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
