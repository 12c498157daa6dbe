// Package executor places both legs of an arbitrage opportunity
// concurrently, verifies fills by polling and recovers from asymmetric
// outcomes. It is the only component that talks to exchanges with intent
// to trade.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbi/internal/domain"
	"github.com/vadiminshakov/arbi/internal/exchange"
	"github.com/vadiminshakov/arbi/internal/predictor"
	"github.com/vadiminshakov/arbi/pkg/retrier"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Config holds the execution tunables.
type Config struct {
	// MaxRetries is the placement attempt budget per leg.
	MaxRetries int
	// RetryDelay is the fixed wait between placement attempts.
	RetryDelay time.Duration
	// MaxSlippagePercent aborts a placement attempt when the current top of
	// book moved that far from the intended price.
	MaxSlippagePercent decimal.Decimal
	// VerifyTimeout bounds the fill-verification polling per leg.
	VerifyTimeout time.Duration
	// PollInterval is the wait between verification polls.
	PollInterval time.Duration
}

// Store persists order states and trades. Both calls are best-effort;
// failures are logged and never affect execution.
type Store interface {
	UpsertOrder(order domain.Order, exchangeName string, status domain.OrderStatus) error
	AddTrade(order domain.Order, exchangeName string, realizedPnl *decimal.Decimal) error
}

// RiskGate is the risk manager surface the executor needs.
type RiskGate interface {
	CheckLimits(ctx context.Context, opp *domain.Opportunity, buyClient, sellClient exchange.Client) error
	UpdateAfterExecution(opp *domain.Opportunity, buyOrder, sellOrder *domain.Order, actualProfit decimal.Decimal)
	RecordSlippage(percent decimal.Decimal)
}

// ConnectivityReporter receives per-call outcomes for the connectivity circuit.
type ConnectivityReporter interface {
	RecordSuccess(exchangeName string)
	RecordFailure(exchangeName string)
}

// RequestReporter receives per-call outcomes for the error-rate window.
type RequestReporter interface {
	RecordRequest(exchangeName string, success bool)
}

type symbolResolver interface {
	ResolveForExchange(symbol, exchangeName string) (string, error)
}

// slippageError aborts a placement attempt without retry.
type slippageError struct {
	exchange string
	percent  decimal.Decimal
}

func (e *slippageError) Error() string {
	return "slippage " + e.percent.StringFixed(4) + "% on " + e.exchange + " exceeds limit"
}

// Executor runs the per-opportunity trade lifecycle.
type Executor struct {
	cfg      Config
	clients  map[string]exchange.Client
	resolver symbolResolver
	risk     RiskGate
	conn     ConnectivityReporter
	errRate  RequestReporter
	pred     predictor.Predictor // optional
	store    Store               // optional
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]activeOrder
}

type activeOrder struct {
	order  domain.Order
	client exchange.Client
}

func New(cfg Config, clients map[string]exchange.Client, resolver symbolResolver, risk RiskGate,
	conn ConnectivityReporter, errRate RequestReporter, pred predictor.Predictor, store Store, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		clients:  clients,
		resolver: resolver,
		risk:     risk,
		conn:     conn,
		errRate:  errRate,
		pred:     pred,
		store:    store,
		logger:   logger,
		active:   make(map[string]activeOrder),
	}
}

// leg describes one side of the trade, ready for placement.
type leg struct {
	client       exchange.Client
	nativeSymbol string
	side         domain.Side
	quantity     decimal.Decimal
	price        decimal.Decimal
	postOnly     bool
	// fee is the rate the leg pays given its maker/taker style.
	fee decimal.Decimal
}

type legResult struct {
	order *domain.Order
	err   error
}

// Execute runs both legs of the opportunity. makerOverride forces maker
// (post-only) or taker style for both legs; nil lets the predictor decide
// per leg. The returned orders reflect each leg's final observed state;
// either may be nil when that leg never placed.
func (e *Executor) Execute(ctx context.Context, opp *domain.Opportunity, makerOverride *bool) (*domain.Order, *domain.Order, error) {
	buyClient, ok := e.clients[opp.BuyExchange]
	if !ok {
		return nil, nil, errors.Wrap(exchange.ErrUnknownExchange, opp.BuyExchange)
	}
	sellClient, ok := e.clients[opp.SellExchange]
	if !ok {
		return nil, nil, errors.Wrap(exchange.ErrUnknownExchange, opp.SellExchange)
	}

	if err := e.risk.CheckLimits(ctx, opp, buyClient, sellClient); err != nil {
		e.logger.Warn("opportunity denied by risk limits",
			zap.String("symbol", opp.Symbol), zap.Error(err))
		return nil, nil, err
	}

	buySymbol, err := e.resolver.ResolveForExchange(opp.Symbol, opp.BuyExchange)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "resolve %s for %s", opp.Symbol, opp.BuyExchange)
	}
	sellSymbol, err := e.resolver.ResolveForExchange(opp.Symbol, opp.SellExchange)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "resolve %s for %s", opp.Symbol, opp.SellExchange)
	}

	buyLeg := e.buildLeg(ctx, buyClient, buySymbol, domain.SideBuy, opp.MaxQuantity, opp.BuyPrice, makerOverride)
	sellLeg := e.buildLeg(ctx, sellClient, sellSymbol, domain.SideSell, opp.MaxQuantity, opp.SellPrice, makerOverride)

	// both legs go out in parallel, a live single leg is an unhedged position
	buyCh := make(chan legResult, 1)
	sellCh := make(chan legResult, 1)
	go func() {
		order, err := e.placeLeg(ctx, buyLeg)
		buyCh <- legResult{order: order, err: err}
	}()
	go func() {
		order, err := e.placeLeg(ctx, sellLeg)
		sellCh <- legResult{order: order, err: err}
	}()

	buyRes, sellRes := <-buyCh, <-sellCh
	buyOrder, sellOrder := buyRes.order, sellRes.order
	if buyRes.err != nil {
		e.logger.Error("buy leg placement failed",
			zap.String("exchange", opp.BuyExchange), zap.Error(buyRes.err))
	}
	if sellRes.err != nil {
		e.logger.Error("sell leg placement failed",
			zap.String("exchange", opp.SellExchange), zap.Error(sellRes.err))
	}

	switch {
	case buyOrder == nil && sellOrder == nil:
		e.risk.UpdateAfterExecution(opp, nil, nil, decimal.Zero)
		return nil, nil, errors.New("both legs failed to place")
	case buyOrder == nil:
		e.cancelLeg(ctx, sellClient, sellOrder, "sibling buy leg never placed")
		e.finish(opp, nil, sellOrder, buyLeg, sellLeg)
		return nil, sellOrder, nil
	case sellOrder == nil:
		e.cancelLeg(ctx, buyClient, buyOrder, "sibling sell leg never placed")
		e.finish(opp, buyOrder, nil, buyLeg, sellLeg)
		return buyOrder, nil, nil
	}

	// verify both fills concurrently
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.verifyLeg(ctx, buyClient, buyOrder)
	}()
	go func() {
		defer wg.Done()
		e.verifyLeg(ctx, sellClient, sellOrder)
	}()
	wg.Wait()

	// one side filled, the other did not: cancel the laggard
	if buyOrder.Filled() && !sellOrder.Filled() {
		e.cancelLeg(ctx, sellClient, sellOrder, "buy leg filled without the sell leg")
	} else if sellOrder.Filled() && !buyOrder.Filled() {
		e.cancelLeg(ctx, buyClient, buyOrder, "sell leg filled without the buy leg")
	}

	e.finish(opp, buyOrder, sellOrder, buyLeg, sellLeg)
	return buyOrder, sellOrder, nil
}

// buildLeg decides the price and maker/taker style for one side. The
// predictor is advisory: any failure degrades to taker at the opportunity
// price, and a predicted price is clamped so it never crosses the price the
// opportunity was computed with.
func (e *Executor) buildLeg(ctx context.Context, client exchange.Client, nativeSymbol string,
	side domain.Side, quantity, oppPrice decimal.Decimal, makerOverride *bool) leg {
	l := leg{
		client:       client,
		nativeSymbol: nativeSymbol,
		side:         side,
		quantity:     quantity,
		price:        oppPrice,
		fee:          client.TakerFee(),
	}

	useMaker := false
	switch {
	case makerOverride != nil:
		useMaker = *makerOverride
	case e.pred != nil && e.pred.Ready():
		book, err := client.FetchOrderBook(ctx, nativeSymbol, 5)
		if err != nil {
			e.logger.Debug("predictor book fetch failed, staying taker",
				zap.String("exchange", client.Name()), zap.Error(err))
			break
		}
		pred, err := e.pred.PredictFromOrderBook(book)
		if err != nil {
			e.logger.Debug("prediction failed, staying taker",
				zap.String("exchange", client.Name()), zap.Error(err))
			break
		}
		useMaker = pred.UseMaker
		if useMaker && e.pred.HasPricePrediction() && pred.Price.IsPositive() {
			if side == domain.SideBuy {
				l.price = decimal.Min(pred.Price, oppPrice)
			} else {
				l.price = decimal.Max(pred.Price, oppPrice)
			}
		}
	}

	l.postOnly = useMaker
	if useMaker {
		l.fee = client.MakerFee()
	}
	return l
}

// placeLeg places one order under the retry policy. Transient exchange
// errors are retried with a fixed delay; a slippage abort is final. Every
// attempt's outcome feeds the connectivity and error-rate breakers.
func (e *Executor) placeLeg(ctx context.Context, l leg) (*domain.Order, error) {
	name := l.client.Name()
	policy := retrier.Policy{
		MaxAttempts: e.cfg.MaxRetries,
		Delay:       retrier.FixedDelay(e.cfg.RetryDelay),
		Retryable: func(err error) bool {
			var slip *slippageError
			if errors.As(err, &slip) {
				return false
			}
			return exchange.IsTransient(err)
		},
	}

	order, err := retrier.DoWithData(ctx, policy, func(ctx context.Context) (*domain.Order, error) {
		if err := e.checkSlippage(ctx, l); err != nil {
			return nil, err
		}

		placed, err := l.client.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol:        l.nativeSymbol,
			Side:          l.side,
			Type:          domain.OrderTypeLimit,
			Quantity:      l.quantity,
			Price:         l.price,
			PostOnly:      l.postOnly,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			e.conn.RecordFailure(name)
			e.errRate.RecordRequest(name, false)
			return nil, err
		}

		e.conn.RecordSuccess(name)
		e.errRate.RecordRequest(name, true)
		return placed, nil
	})
	if err != nil {
		return nil, err
	}

	e.trackOrder(l.client, *order)
	if e.store != nil {
		if serr := e.store.UpsertOrder(*order, name, order.Status); serr != nil {
			e.logger.Warn("order persistence failed", zap.String("id", order.ID), zap.Error(serr))
		}
	}
	return order, nil
}

// checkSlippage compares the current top of book against the intended price
// and aborts the attempt when the market moved too far.
func (e *Executor) checkSlippage(ctx context.Context, l leg) error {
	if !e.cfg.MaxSlippagePercent.IsPositive() || !l.price.IsPositive() {
		return nil
	}

	book, err := l.client.FetchOrderBook(ctx, l.nativeSymbol, 1)
	if err != nil {
		// the placement call itself will surface connectivity problems
		e.logger.Debug("slippage pre-check skipped",
			zap.String("exchange", l.client.Name()), zap.Error(err))
		return nil
	}

	var current decimal.Decimal
	if l.side == domain.SideBuy {
		ask, ok := book.BestAsk()
		if !ok {
			return nil
		}
		current = ask.Price
	} else {
		bid, ok := book.BestBid()
		if !ok {
			return nil
		}
		current = bid.Price
	}

	// adverse movement only: the ask rising above a buy price, the bid
	// falling below a sell price
	var slip decimal.Decimal
	if l.side == domain.SideBuy {
		slip = current.Sub(l.price).Div(l.price).Mul(hundred)
	} else {
		slip = l.price.Sub(current).Div(l.price).Mul(hundred)
	}
	if slip.IsNegative() {
		return nil
	}

	e.risk.RecordSlippage(slip)
	if slip.GreaterThan(e.cfg.MaxSlippagePercent) {
		return &slippageError{exchange: l.client.Name(), percent: slip}
	}
	return nil
}

// verifyLeg polls the order until it reaches a terminal state or the
// timeout elapses, persisting each observed state. Venues without a status
// endpoint leave the order in its placement state. On shutdown one
// best-effort cancel is attempted before returning.
func (e *Executor) verifyLeg(ctx context.Context, client exchange.Client, order *domain.Order) {
	name := client.Name()
	deadline := time.NewTimer(e.cfg.VerifyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		current, err := client.GetOrder(ctx, order.ID, order.Symbol)
		switch {
		case errors.Is(err, exchange.ErrUnsupported):
			e.logger.Debug("status polling unsupported", zap.String("exchange", name))
			return
		case err != nil:
			e.conn.RecordFailure(name)
			e.errRate.RecordRequest(name, false)
			e.logger.Warn("order status poll failed",
				zap.String("id", order.ID), zap.String("exchange", name), zap.Error(err))
		default:
			e.conn.RecordSuccess(name)
			e.errRate.RecordRequest(name, true)
			*order = *current
			e.trackOrder(client, *order)
			if e.store != nil {
				if serr := e.store.UpsertOrder(*order, name, order.Status); serr != nil {
					e.logger.Warn("order persistence failed", zap.String("id", order.ID), zap.Error(serr))
				}
			}
			if order.Status.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			e.cancelLeg(context.Background(), client, order, "shutdown")
			return
		case <-deadline.C:
			e.logger.Warn("fill verification timed out",
				zap.String("id", order.ID), zap.String("exchange", name),
				zap.String("status", string(order.Status)))
			return
		case <-ticker.C:
		}
	}
}

// cancelLeg attempts one best-effort cancellation and records the outcome.
func (e *Executor) cancelLeg(ctx context.Context, client exchange.Client, order *domain.Order, reason string) {
	if order == nil || order.Status.Terminal() {
		return
	}

	e.logger.Warn("cancelling leg",
		zap.String("id", order.ID),
		zap.String("exchange", client.Name()),
		zap.String("reason", reason))

	ok, err := client.CancelOrder(ctx, order.ID, order.Symbol)
	if err != nil {
		e.logger.Error("leg cancellation failed", zap.String("id", order.ID), zap.Error(err))
		return
	}
	if ok {
		order.Status = domain.OrderStatusCancelled
		e.trackOrder(client, *order)
		if e.store != nil {
			if serr := e.store.UpsertOrder(*order, client.Name(), order.Status); serr != nil {
				e.logger.Warn("order persistence failed", zap.String("id", order.ID), zap.Error(serr))
			}
		}
	}
}

// finish computes the realized profit, updates the risk state and persists
// trade records for any leg that got a fill.
func (e *Executor) finish(opp *domain.Opportunity, buyOrder, sellOrder *domain.Order, buyLeg, sellLeg leg) {
	profit := actualProfit(buyOrder, sellOrder, buyLeg.fee, sellLeg.fee)
	e.risk.UpdateAfterExecution(opp, buyOrder, sellOrder, profit)

	if e.store != nil {
		for _, rec := range []struct {
			order *domain.Order
			name  string
			pnl   *decimal.Decimal
		}{
			{buyOrder, opp.BuyExchange, nil},
			{sellOrder, opp.SellExchange, &profit},
		} {
			if rec.order == nil || !rec.order.FilledQuantity.IsPositive() {
				continue
			}
			pnl := rec.pnl
			if pnl != nil && profit.IsZero() {
				pnl = nil
			}
			if err := e.store.AddTrade(*rec.order, rec.name, pnl); err != nil {
				e.logger.Warn("trade persistence failed", zap.String("id", rec.order.ID), zap.Error(err))
			}
		}
	}

	if !profit.IsZero() {
		e.logger.Info("arbitrage completed",
			zap.String("symbol", opp.Symbol),
			zap.String("buy", opp.BuyExchange),
			zap.String("sell", opp.SellExchange),
			zap.String("profit", profit.StringFixed(8)))
	}
}

// actualProfit is computed strictly from verified fills: zero unless both
// legs filled, otherwise the hedged quantity priced at each leg's verified
// price and fee.
func actualProfit(buyOrder, sellOrder *domain.Order, buyFee, sellFee decimal.Decimal) decimal.Decimal {
	if !buyOrder.Filled() || !sellOrder.Filled() {
		return decimal.Zero
	}

	qty := decimal.Min(buyOrder.FilledQuantity, sellOrder.FilledQuantity)
	if !qty.IsPositive() {
		return decimal.Zero
	}

	revenue := sellOrder.Price.Mul(qty).Mul(one.Sub(sellFee))
	cost := buyOrder.Price.Mul(qty).Mul(one.Add(buyFee))
	return revenue.Sub(cost)
}

func (e *Executor) trackOrder(client exchange.Client, order domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order.Status.Terminal() {
		delete(e.active, order.ID)
		return
	}
	e.active[order.ID] = activeOrder{order: order, client: client}
}

// ActiveOrders returns the orders not yet observed in a terminal state.
func (e *Executor) ActiveOrders() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Order, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.order)
	}
	return out
}

// CancelAllOrders best-effort cancels every order still tracked as active,
// typically on shutdown.
func (e *Executor) CancelAllOrders(ctx context.Context) {
	e.mu.Lock()
	pending := make([]activeOrder, 0, len(e.active))
	for _, a := range e.active {
		pending = append(pending, a)
	}
	e.mu.Unlock()

	for _, a := range pending {
		order := a.order
		e.cancelLeg(ctx, a.client, &order, "cancel all")
	}
}
