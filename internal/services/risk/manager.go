// Package risk gates executions against P&L, exposure and drawdown limits
// and keeps the running risk state up to date after every attempt.
package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbi/internal/domain"
	"github.com/vadiminshakov/arbi/internal/exchange"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// slippageHistoryCap bounds the in-memory slippage sample buffer.
const slippageHistoryCap = 100

// Denial explains why an opportunity was refused.
type Denial struct {
	Reason string
}

func (d *Denial) Error() string { return "risk limit denied: " + d.Reason }

func deny(format string, args ...any) *Denial {
	return &Denial{Reason: fmt.Sprintf(format, args...)}
}

// Limits are the configured risk thresholds. Zero-valued limits are
// treated as disabled.
type Limits struct {
	DailyLossLimit         decimal.Decimal
	PerTradeLossLimit      decimal.Decimal
	MaxPositionPerExchange decimal.Decimal
	MaxTotalPosition       decimal.Decimal
	MaxDrawdownPercent     decimal.Decimal
	// WorstCaseLossPercent sizes the pre-trade loss heuristic as a share
	// of the trade notional.
	WorstCaseLossPercent decimal.Decimal
	// UnwindPenaltyPercent is the P&L penalty applied when exactly one leg
	// fills and the position has to be unwound.
	UnwindPenaltyPercent decimal.Decimal
}

// VolatilityGuard is the per-symbol breaker consulted on every check.
// Observe feeds the price into the rolling window and reports whether
// trading the symbol is currently allowed.
type VolatilityGuard interface {
	Observe(symbol string, price decimal.Decimal) bool
}

// ExchangeGuard is a per-exchange breaker.
type ExchangeGuard interface {
	Halted(exchangeName string) bool
}

type symbolParser interface {
	Parse(symbol string) (domain.Pair, error)
}

// Metrics is a point-in-time snapshot of the risk state.
type Metrics struct {
	DailyPnL           decimal.Decimal
	Positions          map[string]decimal.Decimal
	TotalPosition      decimal.Decimal
	CurrentBalance     decimal.Decimal
	PeakBalance        decimal.Decimal
	DrawdownPercent    decimal.Decimal
	AvgSlippagePercent decimal.Decimal
	MaxSlippagePercent decimal.Decimal
	HaltedExchanges    []string
	ManualHalt         bool
}

// Manager tracks P&L, exposure and drawdown and gates every execution.
type Manager struct {
	limits   Limits
	vol      VolatilityGuard
	conn     ExchangeGuard
	errRate  ExchangeGuard
	resolver symbolParser
	logger   *zap.Logger

	mu             sync.Mutex
	dailyPnL       decimal.Decimal
	positions      map[string]decimal.Decimal
	initialBalance decimal.Decimal
	currentBalance decimal.Decimal
	peakBalance    decimal.Decimal
	slippage       []decimal.Decimal
	halted         bool
}

func NewManager(limits Limits, vol VolatilityGuard, conn, errRate ExchangeGuard, resolver symbolParser, logger *zap.Logger) *Manager {
	if limits.WorstCaseLossPercent.IsZero() {
		limits.WorstCaseLossPercent = one
	}
	if limits.UnwindPenaltyPercent.IsZero() {
		limits.UnwindPenaltyPercent = one
	}
	return &Manager{
		limits:    limits,
		vol:       vol,
		conn:      conn,
		errRate:   errRate,
		resolver:  resolver,
		logger:    logger,
		positions: make(map[string]decimal.Decimal),
	}
}

// InitializeBalance seeds the initial, current and peak balance, usually
// from the exchanges' reported balances at startup.
func (m *Manager) InitializeBalance(balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialBalance = balance
	m.currentBalance = balance
	if balance.GreaterThan(m.peakBalance) {
		m.peakBalance = balance
	}
}

// Halt stops all trading until Resume is called.
func (m *Manager) Halt() {
	m.mu.Lock()
	m.halted = true
	m.mu.Unlock()
	m.logger.Warn("trading halted manually")
}

// Resume lifts a manual halt.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.halted = false
	m.mu.Unlock()
	m.logger.Info("trading resumed")
}

// CheckLimits decides whether the opportunity may execute. A nil return
// means allowed; otherwise the returned *Denial carries the reason. Checks
// run in a fixed order so the cheapest guards fire first.
func (m *Manager) CheckLimits(ctx context.Context, opp *domain.Opportunity, buyClient, sellClient exchange.Client) error {
	m.mu.Lock()
	halted := m.halted
	m.mu.Unlock()
	if halted {
		return deny("trading is halted manually")
	}

	for _, name := range []string{opp.BuyExchange, opp.SellExchange} {
		if m.conn.Halted(name) {
			return deny("connectivity breaker open for %s", name)
		}
		if m.errRate.Halted(name) {
			return deny("error rate breaker halted %s", name)
		}
	}

	if !m.vol.Observe(opp.Symbol, opp.BuyPrice) {
		return deny("volatility breaker halted %s", opp.Symbol)
	}

	buyNotional := opp.BuyPrice.Mul(opp.MaxQuantity)
	sellNotional := opp.SellPrice.Mul(opp.MaxQuantity)

	if d := m.checkStateLimits(opp, buyNotional, sellNotional); d != nil {
		return d
	}

	// best-effort pre-trade balance check on the buy-side quote currency.
	// runs outside the state lock, the call can block on the network and
	// must not stall checks for other symbols. a fetch failure never denies
	// the trade on its own.
	if buyClient != nil && buyClient.IsAuthenticated() {
		if d := m.checkBuyBalance(ctx, opp, buyClient, buyNotional); d != nil {
			return d
		}
	}

	return nil
}

func (m *Manager) checkStateLimits(opp *domain.Opportunity, buyNotional, sellNotional decimal.Decimal) *Denial {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.DailyLossLimit.IsPositive() && m.dailyPnL.LessThan(m.limits.DailyLossLimit.Neg()) {
		return deny("daily loss limit reached: pnl %s", m.dailyPnL.StringFixed(2))
	}

	if m.limits.PerTradeLossLimit.IsPositive() {
		worstCase := buyNotional.Mul(m.limits.WorstCaseLossPercent).Div(hundred)
		if worstCase.GreaterThan(m.limits.PerTradeLossLimit) {
			return deny("worst case loss %s exceeds per trade limit %s",
				worstCase.StringFixed(2), m.limits.PerTradeLossLimit.StringFixed(2))
		}
	}

	if m.limits.MaxPositionPerExchange.IsPositive() {
		if m.positions[opp.BuyExchange].Add(buyNotional).GreaterThan(m.limits.MaxPositionPerExchange) {
			return deny("position limit on %s", opp.BuyExchange)
		}
		if m.positions[opp.SellExchange].Add(sellNotional).GreaterThan(m.limits.MaxPositionPerExchange) {
			return deny("position limit on %s", opp.SellExchange)
		}
	}

	if m.limits.MaxTotalPosition.IsPositive() {
		total := decimal.Zero
		for _, p := range m.positions {
			total = total.Add(p)
		}
		if total.Add(buyNotional).Add(sellNotional).GreaterThan(m.limits.MaxTotalPosition) {
			return deny("total position limit reached")
		}
	}

	if m.limits.MaxDrawdownPercent.IsPositive() && m.peakBalance.IsPositive() {
		drawdown := m.peakBalance.Sub(m.currentBalance).Div(m.peakBalance).Mul(hundred)
		if drawdown.GreaterThan(m.limits.MaxDrawdownPercent) {
			return deny("drawdown %s%% exceeds limit", drawdown.StringFixed(2))
		}
	}

	return nil
}

func (m *Manager) checkBuyBalance(ctx context.Context, opp *domain.Opportunity, buyClient exchange.Client, buyNotional decimal.Decimal) *Denial {
	pair, err := m.resolver.Parse(opp.Symbol)
	if err != nil {
		m.logger.Debug("balance check skipped, unparseable symbol",
			zap.String("symbol", opp.Symbol), zap.Error(err))
		return nil
	}

	balances, err := buyClient.GetBalance(ctx, pair.Quote)
	if err != nil {
		m.logger.Debug("balance check failed, allowing trade",
			zap.String("exchange", opp.BuyExchange), zap.Error(err))
		return nil
	}

	needed := buyNotional.Mul(one.Add(opp.BuyFee))
	if bal, ok := balances[pair.Quote]; ok && bal.Available.LessThan(needed) {
		return deny("insufficient %s balance on %s: have %s, need %s",
			pair.Quote, opp.BuyExchange, bal.Available.StringFixed(2), needed.StringFixed(2))
	}
	return nil
}

// UpdateAfterExecution folds an execution result into the risk state.
// Positions grow only for legs that actually filled; when exactly one leg
// filled, the stranded notional is penalized as an estimated unwind cost.
func (m *Manager) UpdateAfterExecution(opp *domain.Opportunity, buyOrder, sellOrder *domain.Order, actualProfit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyFilled := buyOrder != nil && buyOrder.FilledQuantity.IsPositive()
	sellFilled := sellOrder != nil && sellOrder.FilledQuantity.IsPositive()

	if buyFilled {
		notional := opp.BuyPrice.Mul(buyOrder.FilledQuantity)
		m.positions[opp.BuyExchange] = m.positions[opp.BuyExchange].Add(notional)
	}
	if sellFilled {
		notional := opp.SellPrice.Mul(sellOrder.FilledQuantity)
		m.positions[opp.SellExchange] = m.positions[opp.SellExchange].Add(notional)
	}

	pnl := actualProfit
	if buyFilled != sellFilled {
		var stranded decimal.Decimal
		if buyFilled {
			stranded = opp.BuyPrice.Mul(buyOrder.FilledQuantity)
		} else {
			stranded = opp.SellPrice.Mul(sellOrder.FilledQuantity)
		}
		penalty := stranded.Mul(m.limits.UnwindPenaltyPercent).Div(hundred)
		pnl = pnl.Sub(penalty)
		m.logger.Warn("single leg filled, applying unwind penalty",
			zap.String("symbol", opp.Symbol),
			zap.String("penalty", penalty.StringFixed(4)))
	}

	m.dailyPnL = m.dailyPnL.Add(pnl)
	m.currentBalance = m.currentBalance.Add(pnl)
	if m.currentBalance.GreaterThan(m.peakBalance) {
		m.peakBalance = m.currentBalance
	}
}

// RecordSlippage stores an observed slippage sample for the metrics snapshot.
func (m *Manager) RecordSlippage(percent decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slippage = append(m.slippage, percent)
	if len(m.slippage) > slippageHistoryCap {
		m.slippage = m.slippage[len(m.slippage)-slippageHistoryCap:]
	}
}

// ResetDaily zeroes the daily P&L and the slippage history and re-bases the
// peak balance to the initial balance so the drawdown gate measures the new
// day, not a stale high-water mark. Open positions and the current balance
// survive the reset.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = decimal.Zero
	m.slippage = nil
	m.peakBalance = m.initialBalance
	if m.currentBalance.GreaterThan(m.peakBalance) {
		m.peakBalance = m.currentBalance
	}
	m.logger.Info("daily risk tracking reset")
}

// Snapshot reports the current risk state. Exchanges listed in the argument
// are probed against the breakers for the halted set.
func (m *Manager) Snapshot(exchangeNames []string) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make(map[string]decimal.Decimal, len(m.positions))
	total := decimal.Zero
	for name, p := range m.positions {
		positions[name] = p
		total = total.Add(p)
	}

	drawdown := decimal.Zero
	if m.peakBalance.IsPositive() {
		drawdown = m.peakBalance.Sub(m.currentBalance).Div(m.peakBalance).Mul(hundred)
	}

	avgSlip, maxSlip := decimal.Zero, decimal.Zero
	if len(m.slippage) > 0 {
		sum := decimal.Zero
		for _, s := range m.slippage {
			sum = sum.Add(s)
			if s.GreaterThan(maxSlip) {
				maxSlip = s
			}
		}
		avgSlip = sum.Div(decimal.NewFromInt(int64(len(m.slippage))))
	}

	var haltedExchanges []string
	for _, name := range exchangeNames {
		if m.conn.Halted(name) {
			haltedExchanges = append(haltedExchanges, name+"(connectivity)")
		}
		if m.errRate.Halted(name) {
			haltedExchanges = append(haltedExchanges, name+"(error rate)")
		}
	}
	sort.Strings(haltedExchanges)

	return Metrics{
		DailyPnL:           m.dailyPnL,
		Positions:          positions,
		TotalPosition:      total,
		CurrentBalance:     m.currentBalance,
		PeakBalance:        m.peakBalance,
		DrawdownPercent:    drawdown,
		AvgSlippagePercent: avgSlip,
		MaxSlippagePercent: maxSlip,
		HaltedExchanges:    haltedExchanges,
		ManualHalt:         m.halted,
	}
}
