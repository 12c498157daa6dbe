// Package internal wires the resolver, detector, breakers, risk manager and
// executor into one arbitrage engine.
package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbi/config"
	"github.com/vadiminshakov/arbi/internal/domain"
	"github.com/vadiminshakov/arbi/internal/exchange"
	"github.com/vadiminshakov/arbi/internal/predictor"
	"github.com/vadiminshakov/arbi/internal/services/breaker"
	"github.com/vadiminshakov/arbi/internal/services/detector"
	"github.com/vadiminshakov/arbi/internal/services/executor"
	"github.com/vadiminshakov/arbi/internal/services/risk"
	"github.com/vadiminshakov/arbi/internal/storage/orders"
	"github.com/vadiminshakov/arbi/internal/symbols"
)

// Engine is the top-level facade: it scans order books, ranks opportunities
// and hands the best one to the executor on each tick.
type Engine struct {
	cfg      config.Config
	clients  map[string]exchange.Client
	resolver *symbols.Resolver
	detector *detector.Detector
	risk     *risk.Manager
	executor *executor.Executor
	store    *orders.WALStore
	logger   *zap.Logger
}

// NewEngine assembles the engine from configuration and the given exchange
// clients. pred may be nil; the executor then always trades as taker.
func NewEngine(cfg config.Config, clients map[string]exchange.Client, resolver *symbols.Resolver,
	pred predictor.Predictor, logger *zap.Logger) (*Engine, error) {
	if len(clients) < 2 {
		return nil, errors.New("arbitrage needs at least two exchanges")
	}

	store, err := orders.NewWALStore(cfg.WALDir)
	if err != nil {
		return nil, errors.Wrap(err, "open order store")
	}

	vol := breaker.NewVolatility(cfg.VolatilityMaxPercent, cfg.VolatilityWindow, cfg.VolatilityMinSamples, logger)
	conn := breaker.NewConnectivity(cfg.ConnectivityMaxFailures, cfg.ConnectivityWindow, cfg.ConnectivityRecoveryTimeout, logger)
	errRate := breaker.NewErrorRate(cfg.ErrorRateMax, cfg.ErrorRateWindow, cfg.ErrorRateMinRequests, logger)

	riskManager := risk.NewManager(risk.Limits{
		DailyLossLimit:         cfg.DailyLossLimit,
		PerTradeLossLimit:      cfg.PerTradeLossLimit,
		MaxPositionPerExchange: cfg.MaxPositionPerExchange,
		MaxTotalPosition:       cfg.MaxTotalPosition,
		MaxDrawdownPercent:     cfg.MaxDrawdownPercent,
		WorstCaseLossPercent:   cfg.WorstCaseLossPercent,
		UnwindPenaltyPercent:   cfg.UnwindPenaltyPercent,
	}, vol, conn, errRate, resolver, logger)

	det := detector.New(detector.Config{
		MinSpreadPercent: cfg.MinSpreadPercent,
		MinProfit:        cfg.MinProfit,
		MaxPositionSize:  cfg.MaxPositionSize,
	}, logger)

	exec := executor.New(executor.Config{
		MaxRetries:         cfg.MaxRetries,
		RetryDelay:         cfg.RetryDelay,
		MaxSlippagePercent: cfg.MaxSlippagePercent,
		VerifyTimeout:      cfg.VerifyTimeout,
		PollInterval:       cfg.PollInterval,
	}, clients, resolver, riskManager, conn, errRate, pred, store, logger)

	return &Engine{
		cfg:      cfg,
		clients:  clients,
		resolver: resolver,
		detector: det,
		risk:     riskManager,
		executor: exec,
		store:    store,
		logger:   logger,
	}, nil
}

// FindOpportunities fetches a fresh book from every exchange that lists the
// symbol and returns the profitable spreads, best first.
func (e *Engine) FindOpportunities(ctx context.Context, symbol string) []*domain.Opportunity {
	books := make(map[string]*domain.OrderBook, len(e.clients))
	fees := make(map[string]detector.FeeProvider, len(e.clients))

	for name, client := range e.clients {
		native, err := e.resolver.ResolveForExchange(symbol, name)
		if err != nil {
			e.logger.Debug("symbol not tradeable on exchange",
				zap.String("symbol", symbol), zap.String("exchange", name), zap.Error(err))
			continue
		}

		book, err := client.FetchOrderBook(ctx, native, e.cfg.BookDepth)
		if err != nil {
			e.logger.Warn("order book fetch failed",
				zap.String("symbol", symbol), zap.String("exchange", name), zap.Error(err))
			continue
		}

		books[name] = book
		fees[name] = client
	}

	return e.detector.FindOpportunities(symbol, books, fees)
}

// Execute runs both legs of the opportunity.
func (e *Engine) Execute(ctx context.Context, opp *domain.Opportunity, makerOverride *bool) (*domain.Order, *domain.Order, error) {
	return e.executor.Execute(ctx, opp, makerOverride)
}

// RiskMetrics reports the current risk snapshot.
func (e *Engine) RiskMetrics() risk.Metrics {
	names := make([]string, 0, len(e.clients))
	for name := range e.clients {
		names = append(names, name)
	}
	return e.risk.Snapshot(names)
}

// ResetDailyTracking zeroes the daily P&L counters.
func (e *Engine) ResetDailyTracking() { e.risk.ResetDaily() }

// Halt stops trading until Resume.
func (e *Engine) Halt() { e.risk.Halt() }

// Resume lifts a manual halt.
func (e *Engine) Resume() { e.risk.Resume() }

// ActiveOrders returns orders not yet seen in a terminal state.
func (e *Engine) ActiveOrders() []domain.Order { return e.executor.ActiveOrders() }

// Run scans every configured symbol on each tick and executes the single
// best opportunity found. It blocks until the context is cancelled, then
// best-effort cancels anything still open.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	e.logger.Info("starting arbitrage loop",
		zap.Strings("symbols", e.cfg.Symbols),
		zap.Duration("scan_interval", e.cfg.ScanInterval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("shutting down, cancelling open orders")
			e.executor.CancelAllOrders(context.Background())
			return ctx.Err()
		case <-ticker.C:
			e.scan(ctx)
		}
	}
}

func (e *Engine) scan(ctx context.Context) {
	for _, symbol := range e.cfg.Symbols {
		opps := e.FindOpportunities(ctx, symbol)
		if len(opps) == 0 {
			continue
		}

		best := opps[0]
		e.logger.Info("executing best opportunity",
			zap.String("symbol", best.Symbol),
			zap.String("buy", best.BuyExchange),
			zap.String("sell", best.SellExchange),
			zap.String("net_profit", best.NetProfit.StringFixed(4)))

		if _, _, err := e.Execute(ctx, best, nil); err != nil {
			var denial *risk.Denial
			if errors.As(err, &denial) {
				e.logger.Warn("opportunity denied", zap.String("reason", denial.Reason))
				continue
			}
			e.logger.Error("execution failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	return e.store.Close()
}
