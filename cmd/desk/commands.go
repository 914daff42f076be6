package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trades-desk/internal/levels"
	"trades-desk/internal/monitor"
	"trades-desk/internal/risk"
)

type bootFunc func(ctx context.Context) (*session, error)

type tradeFlags struct {
	symbol    string
	direction string
	orderType string
	entry     float64
	stop      float64
	limit     float64
	risk      float64
	targets   []string
}

func (f *tradeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.symbol, "symbol", "s", "", "标的代码 (required)")
	cmd.Flags().StringVarP(&f.direction, "direction", "d", "LONG", "方向 LONG 或 SHORT")
	cmd.Flags().StringVarP(&f.orderType, "type", "t", "LIMIT", "开仓类型 LIMIT、MARKET 或 STOP_LIMIT")
	cmd.Flags().Float64VarP(&f.entry, "entry", "e", 0, "入场价，STOP_LIMIT 时为触发价 (required)")
	cmd.Flags().Float64Var(&f.stop, "stop", 0, "止损价 (required)")
	cmd.Flags().Float64Var(&f.limit, "limit", 0, "STOP_LIMIT 的限价")
	cmd.Flags().Float64VarP(&f.risk, "risk", "r", 0, "单笔风险占净值百分比，默认取配置")
	cmd.Flags().StringSliceVar(&f.targets, "target", nil, "止盈 价格:占比，可重复，例如 --target 110:50 --target 120:50；省略时按配置的 R 倍数推算")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("entry")
	_ = cmd.MarkFlagRequired("stop")
}

// request 构造交易请求，未给出止盈时按配置的 R 倍数推算。
func (f *tradeFlags) request(s *session) (*risk.TradeRequest, error) {
	riskPct := f.risk
	if riskPct == 0 {
		riskPct = s.cfg.Risk.DefaultRiskPercent
	}

	targets, err := parseTargets(f.targets)
	if err != nil {
		return nil, err
	}

	params, err := risk.TradeParamsFromFloats(f.symbol, risk.Direction(strings.ToUpper(f.direction)), risk.OrderType(strings.ToUpper(f.orderType)),
		f.entry, f.stop, f.limit, riskPct, targets)
	if err != nil {
		return nil, err
	}

	if len(params.ProfitTargets) == 0 {
		basis := params.Entry
		if params.OrderType == risk.OrderTypeStopLimit && params.LimitPrice.IsPositive() {
			basis = params.LimitPrice
		}
		suggested, err := s.app.Desk().SuggestTargets(params.Direction, basis, params.Stop)
		if err != nil {
			return nil, fmt.Errorf("推算止盈失败: %w", err)
		}
		params.ProfitTargets = suggested
	}

	return risk.NewTradeRequest(params), nil
}

func parseTargets(raw []string) ([]risk.FloatTarget, error) {
	out := make([]risk.FloatTarget, 0, len(raw))
	for _, item := range raw {
		parts := strings.SplitN(strings.TrimSpace(item), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("止盈格式应为 价格:占比: %q", item)
		}
		p, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("止盈价格无效 %q: %w", item, err)
		}
		alloc, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("止盈占比无效 %q: %w", item, err)
		}
		out = append(out, risk.FloatTarget{Price: p, AllocationPercent: alloc})
	}
	return out, nil
}

func newValidateCmd(boot bootFunc) *cobra.Command {
	var flags tradeFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a trade idea and show the position size",
		Example: `  desk validate -s AAPL -e 100 --stop 95 -r 1 --target 110:50 --target 120:50
  desk validate -s TSLA -d SHORT -t STOP_LIMIT -e 200 --limit 199.5 --stop 205`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			req, err := flags.request(s)
			if err != nil {
				return err
			}
			result, err := s.app.Desk().ValidateTrade(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Request *risk.TradeRequest    `json:"request"`
				Result  risk.ValidationResult `json:"result"`
			}{req, result})
		},
	}
	flags.register(cmd)
	return cmd
}

func newSubmitCmd(boot bootFunc) *cobra.Command {
	var (
		flags tradeFlags
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Validate, build and submit bracket orders",
		Long: `Submit runs the full path: validate the trade, build one bracket per target,
then send them to the configured broker. Without --yes only the built brackets are printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			desk := s.app.Desk()

			req, err := flags.request(s)
			if err != nil {
				return err
			}
			validation, err := desk.ValidateTrade(ctx, req)
			if err != nil {
				return err
			}
			if !validation.Valid {
				_ = printJSON(cmd.OutOrStdout(), validation)
				return errors.New("校验未通过，未生成委托")
			}

			sets, err := desk.BuildBrackets(ctx, req, validation.Sizing)
			if err != nil {
				return err
			}
			if !yes {
				fmt.Fprintln(cmd.ErrOrStderr(), "未指定 --yes，仅输出括号单")
				return printJSON(cmd.OutOrStdout(), sets)
			}

			result, submitErr := desk.Submit(ctx, sets)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.NeedsReconciliation {
				fmt.Fprintln(cmd.ErrOrStderr(), "提交结果不完整，请在券商端核对委托")
			}
			return submitErr
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "确认提交到券商")
	return cmd
}

func newSuggestCmd(boot bootFunc) *cobra.Command {
	var (
		direction string
		entry     float64
		stop      float64
		barsPath  string
	)
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Suggest an ATR stop and R-multiple targets",
		Long: `Suggest prints R-multiple profit targets from the configured defaults.
With --bars (CSV: time,open,high,low,close[,volume]) and no --stop, the stop is
derived from ATR using risk.atr_period and risk.atr_multiplier.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			dir := risk.Direction(strings.ToUpper(direction))
			entryPx := decimal.NewFromFloat(entry)
			stopPx := decimal.NewFromFloat(stop)

			if stop == 0 {
				if barsPath == "" {
					return errors.New("需要 --stop 或 --bars")
				}
				bars, err := readBars(barsPath)
				if err != nil {
					return err
				}
				stopPx, err = levels.ATRStop(dir, entryPx, bars, s.cfg.Risk.ATRPeriod, s.cfg.Risk.ATRMultiplier)
				if err != nil {
					return err
				}
			}

			targets, err := s.app.Desk().SuggestTargets(dir, entryPx, stopPx)
			if err != nil {
				return err
			}

			type row struct {
				Price             decimal.Decimal `json:"price"`
				AllocationPercent decimal.Decimal `json:"allocation_percent"`
				RMultiple         decimal.Decimal `json:"r_multiple"`
			}
			rows := make([]row, 0, len(targets))
			for _, t := range targets {
				rows = append(rows, row{
					Price:             t.Price,
					AllocationPercent: t.AllocationPercent,
					RMultiple:         levels.RMultiple(entryPx, stopPx, t.Price).Round(2),
				})
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Stop    decimal.Decimal `json:"stop"`
				Targets []row           `json:"targets"`
			}{stopPx, rows})
		},
	}
	cmd.Flags().StringVarP(&direction, "direction", "d", "LONG", "方向 LONG 或 SHORT")
	cmd.Flags().Float64VarP(&entry, "entry", "e", 0, "入场价 (required)")
	cmd.Flags().Float64Var(&stop, "stop", 0, "止损价，省略时按 ATR 推算")
	cmd.Flags().StringVar(&barsPath, "bars", "", "K线 CSV 文件")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func newCancelCmd(boot bootFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ORDER_ID",
		Short: "Cancel a submitted order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ack, err := s.app.Desk().CancelOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	}
}

func newOrdersCmd(boot bootFunc) *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List working orders or show one order",
		Example: `  desk orders
  desk orders --id PAPER-01J...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if orderID != "" {
				info, err := s.app.Desk().OrderStatus(cmd.Context(), orderID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			}

			// 部分查询失败时先输出已取得的委托。
			orders, err := s.app.Desk().ActiveOrders(cmd.Context())
			if printErr := printJSON(cmd.OutOrStdout(), orders); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&orderID, "id", "", "委托号，可用本地腿编号或券商委托号")
	return cmd
}

func newEventsCmd(boot bootFunc) *cobra.Command {
	var (
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			typ := monitor.EventType(strings.ToLower(eventType))
			if typ != "" && !typ.Valid() {
				return fmt.Errorf("未知事件类型 %q", eventType)
			}

			s, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			events, err := s.app.Monitor().ListEvents(cmd.Context(), typ, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "事件类型 validation、build、submission、cancel、error")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "返回条数")
	return cmd
}

func newServeCmd(boot bootFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the audit log and metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			return s.app.Run(cmd.Context())
		},
	}
}
