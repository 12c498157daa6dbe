package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbi/internal/domain"
	"github.com/vadiminshakov/arbi/internal/exchange"
	"github.com/vadiminshakov/arbi/internal/predictor"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClient struct {
	name string

	mu         sync.Mutex
	book       *domain.OrderBook
	placeFn    func(req exchange.PlaceOrderRequest) (*domain.Order, error)
	getFn      func(id string) (*domain.Order, error)
	placeCalls int
	cancelled  []string
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) FetchOrderBook(context.Context, string, int) (*domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.book, nil
}

func (f *fakeClient) PlaceOrder(_ context.Context, req exchange.PlaceOrderRequest) (*domain.Order, error) {
	f.mu.Lock()
	f.placeCalls++
	f.mu.Unlock()
	return f.placeFn(req)
}

func (f *fakeClient) CancelOrder(_ context.Context, id, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

func (f *fakeClient) GetOrder(_ context.Context, id, _ string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getFn == nil {
		return nil, exchange.ErrUnsupported
	}
	return f.getFn(id)
}

func (f *fakeClient) GetBalance(context.Context, string) (map[string]domain.Balance, error) {
	return map[string]domain.Balance{}, nil
}

func (f *fakeClient) MakerFee() decimal.Decimal { return dec("0.0005") }
func (f *fakeClient) TakerFee() decimal.Decimal { return dec("0.001") }
func (f *fakeClient) IsAuthenticated() bool     { return true }

func (f *fakeClient) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeRisk struct {
	mu       sync.Mutex
	denial   error
	updated  bool
	profit   decimal.Decimal
	slippage []decimal.Decimal
}

func (f *fakeRisk) CheckLimits(context.Context, *domain.Opportunity, exchange.Client, exchange.Client) error {
	return f.denial
}

func (f *fakeRisk) UpdateAfterExecution(_ *domain.Opportunity, _, _ *domain.Order, actualProfit decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = true
	f.profit = actualProfit
}

func (f *fakeRisk) RecordSlippage(percent decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slippage = append(f.slippage, percent)
}

type fakeReporter struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{successes: map[string]int{}, failures: map[string]int{}}
}

func (f *fakeReporter) RecordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[name]++
}

func (f *fakeReporter) RecordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name]++
}

func (f *fakeReporter) RecordRequest(name string, success bool) {
	if success {
		f.RecordSuccess(name)
	} else {
		f.RecordFailure(name)
	}
}

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]domain.OrderStatus
	trades []string
}

func newFakeStore() *fakeStore { return &fakeStore{orders: map[string]domain.OrderStatus{}} }

func (f *fakeStore) UpsertOrder(order domain.Order, _ string, status domain.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[order.ID] = status
	return nil
}

func (f *fakeStore) AddTrade(order domain.Order, _ string, _ *decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, order.ID)
	return nil
}

type fakePredictor struct {
	ready    bool
	hasPrice bool
	fn       func(book *domain.OrderBook) (predictor.Prediction, error)
}

func (f *fakePredictor) PredictFromOrderBook(book *domain.OrderBook) (predictor.Prediction, error) {
	return f.fn(book)
}

func (f *fakePredictor) Ready() bool              { return f.ready }
func (f *fakePredictor) HasPricePrediction() bool { return f.hasPrice }

type passResolver struct{}

func (passResolver) ResolveForExchange(symbol, _ string) (string, error) { return symbol, nil }

func testConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         time.Millisecond,
		MaxSlippagePercent: dec("0.5"),
		VerifyTimeout:      100 * time.Millisecond,
		PollInterval:       time.Millisecond,
	}
}

func testOpportunity() *domain.Opportunity {
	return &domain.Opportunity{
		Symbol:       "BTCUSDT",
		BuyExchange:  "binance",
		SellExchange: "bybit",
		BuyPrice:     dec("50000"),
		SellPrice:    dec("50500"),
		MaxQuantity:  dec("0.01"),
		BuyFee:       dec("0.001"),
		SellFee:      dec("0.001"),
	}
}

func steadyBook(bid, ask string) *domain.OrderBook {
	return &domain.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []domain.BookLevel{{Price: dec(bid), Quantity: dec("1")}},
		Asks:   []domain.BookLevel{{Price: dec(ask), Quantity: dec("1")}},
	}
}

// placeFilled returns a placement stub that reports immediate full fills.
func placeFilled(name string) func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
	return func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
		return &domain.Order{
			ID:             req.ClientOrderID,
			Exchange:       name,
			Symbol:         req.Symbol,
			Side:           req.Side,
			Type:           req.Type,
			Quantity:       req.Quantity,
			Price:          req.Price,
			FilledQuantity: req.Quantity,
			Status:         domain.OrderStatusFilled,
			CreatedAt:      time.Now(),
		}, nil
	}
}

func newTestExecutor(buy, sell *fakeClient, risk *fakeRisk, store Store) *Executor {
	clients := map[string]exchange.Client{buy.name: buy, sell.name: sell}
	return New(testConfig(), clients, passResolver{}, risk, newFakeReporter(), newFakeReporter(), nil, store, zap.NewNop())
}

func newPredictingExecutor(buy, sell *fakeClient, risk *fakeRisk, pred predictor.Predictor) *Executor {
	clients := map[string]exchange.Client{buy.name: buy, sell.name: sell}
	return New(testConfig(), clients, passResolver{}, risk, newFakeReporter(), newFakeReporter(), pred, nil, zap.NewNop())
}

func TestExecuteBothLegsFill(t *testing.T) {
	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000"), placeFn: placeFilled("binance")}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placeFilled("bybit")}
	risk := &fakeRisk{}
	store := newFakeStore()

	e := newTestExecutor(buy, sell, risk, store)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.NoError(t, err)
	require.NotNil(t, buyOrder)
	require.NotNil(t, sellOrder)

	assert.Equal(t, domain.OrderStatusFilled, buyOrder.Status)
	assert.Equal(t, domain.OrderStatusFilled, sellOrder.Status)

	// 50500*0.01*0.999 - 50000*0.01*1.001 = 504.495 - 500.5 = 3.995
	risk.mu.Lock()
	defer risk.mu.Unlock()
	assert.True(t, risk.updated)
	assert.True(t, risk.profit.Equal(dec("3.995")), "got %s", risk.profit)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.trades, 2, "both filled legs get a trade record")
}

func TestExecuteRiskDenialBlocksPlacement(t *testing.T) {
	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000"), placeFn: placeFilled("binance")}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placeFilled("bybit")}
	risk := &fakeRisk{denial: assert.AnError}

	e := newTestExecutor(buy, sell, risk, nil)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.Error(t, err)
	assert.Nil(t, buyOrder)
	assert.Nil(t, sellOrder)
	assert.Zero(t, buy.placeCalls)
	assert.Zero(t, sell.placeCalls)
}

func TestExecuteOneLegFailsCancelsTheOther(t *testing.T) {
	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000")}
	buy.placeFn = func(exchange.PlaceOrderRequest) (*domain.Order, error) {
		return nil, &exchange.RejectedError{Exchange: "binance", Err: exchange.ErrInsufficientBalance}
	}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510")}
	sell.placeFn = func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
		return &domain.Order{
			ID: req.ClientOrderID, Exchange: "bybit", Symbol: req.Symbol,
			Side: req.Side, Quantity: req.Quantity, Price: req.Price,
			Status: domain.OrderStatusPending,
		}, nil
	}
	risk := &fakeRisk{}
	store := newFakeStore()

	e := newTestExecutor(buy, sell, risk, store)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.NoError(t, err)
	assert.Nil(t, buyOrder)
	require.NotNil(t, sellOrder)

	assert.Equal(t, domain.OrderStatusCancelled, sellOrder.Status)
	assert.Len(t, sell.cancelledIDs(), 1)
	assert.Equal(t, 1, buy.placeCalls, "a rejection is not retried")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.orders, 1, "only the placed leg was ever persisted")

	risk.mu.Lock()
	defer risk.mu.Unlock()
	assert.True(t, risk.updated)
	assert.True(t, risk.profit.IsZero(), "profit is zero unless both legs fill")
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000")}
	buy.placeFn = func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, &exchange.TransientError{Exchange: "binance", Err: assert.AnError}
		}
		return placeFilled("binance")(req)
	}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placeFilled("bybit")}
	risk := &fakeRisk{}

	e := newTestExecutor(buy, sell, risk, nil)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.NoError(t, err)
	require.NotNil(t, buyOrder)
	require.NotNil(t, sellOrder)
	assert.Equal(t, 3, buy.placeCalls)
}

func TestExecuteSlippageAbortsWithoutRetry(t *testing.T) {
	// the ask ran 1% above the intended buy price, limit is 0.5%
	buy := &fakeClient{name: "binance", book: steadyBook("50400", "50500"), placeFn: placeFilled("binance")}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510")}
	sell.placeFn = func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
		return &domain.Order{
			ID: req.ClientOrderID, Exchange: "bybit", Symbol: req.Symbol,
			Side: req.Side, Quantity: req.Quantity, Price: req.Price,
			Status: domain.OrderStatusPending,
		}, nil
	}
	risk := &fakeRisk{}

	e := newTestExecutor(buy, sell, risk, nil)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.NoError(t, err)
	assert.Nil(t, buyOrder)
	require.NotNil(t, sellOrder)

	assert.Zero(t, buy.placeCalls, "a slippage abort never reaches placement")
	assert.Equal(t, domain.OrderStatusCancelled, sellOrder.Status)

	risk.mu.Lock()
	defer risk.mu.Unlock()
	assert.NotEmpty(t, risk.slippage, "observed slippage is recorded")
}

func TestExecuteAsymmetricFillCancelsUnfilledLeg(t *testing.T) {
	placePending := func(name string) func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
		return func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
			return &domain.Order{
				ID: req.ClientOrderID, Exchange: name, Symbol: req.Symbol,
				Side: req.Side, Quantity: req.Quantity, Price: req.Price,
				Status: domain.OrderStatusPending,
			}, nil
		}
	}

	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000"), placeFn: placePending("binance")}
	buy.getFn = func(id string) (*domain.Order, error) {
		return &domain.Order{
			ID: id, Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideBuy,
			Quantity: dec("0.01"), Price: dec("50000"),
			FilledQuantity: dec("0.01"), Status: domain.OrderStatusFilled,
		}, nil
	}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placePending("bybit")}
	sell.getFn = func(id string) (*domain.Order, error) {
		return &domain.Order{
			ID: id, Exchange: "bybit", Symbol: "BTCUSDT", Side: domain.SideSell,
			Quantity: dec("0.01"), Price: dec("50500"),
			Status: domain.OrderStatusPending,
		}, nil
	}
	risk := &fakeRisk{}

	e := newTestExecutor(buy, sell, risk, nil)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.NoError(t, err)
	require.NotNil(t, buyOrder)
	require.NotNil(t, sellOrder)

	assert.Equal(t, domain.OrderStatusFilled, buyOrder.Status)
	assert.Equal(t, domain.OrderStatusCancelled, sellOrder.Status)
	assert.Len(t, sell.cancelledIDs(), 1)

	risk.mu.Lock()
	defer risk.mu.Unlock()
	assert.True(t, risk.profit.IsZero(), "an unhedged fill earns nothing")
}

// legPrediction advises per leg, telling the books apart by their best ask.
func legPrediction(buyPrice, sellPrice string) func(book *domain.OrderBook) (predictor.Prediction, error) {
	return func(book *domain.OrderBook) (predictor.Prediction, error) {
		ask, ok := book.BestAsk()
		if ok && ask.Price.Equal(dec("50000")) {
			return predictor.Prediction{UseMaker: true, Price: dec(buyPrice)}, nil
		}
		return predictor.Prediction{UseMaker: true, Price: dec(sellPrice)}, nil
	}
}

func TestExecutePredictorClampsCrossingPrices(t *testing.T) {
	var buyReq exchange.PlaceOrderRequest
	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000")}
	buy.placeFn = func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
		buyReq = req
		return placeFilled("binance")(req)
	}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placeFilled("bybit")}
	risk := &fakeRisk{}

	// predicted buy above 50000 and sell below 50500 would both erase the
	// edge the opportunity was priced on
	pred := &fakePredictor{ready: true, hasPrice: true, fn: legPrediction("50100", "50400")}

	e := newPredictingExecutor(buy, sell, risk, pred)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.NoError(t, err)
	require.NotNil(t, buyOrder)
	require.NotNil(t, sellOrder)

	assert.True(t, buyOrder.Price.Equal(dec("50000")), "buy clamped down, got %s", buyOrder.Price)
	assert.True(t, sellOrder.Price.Equal(dec("50500")), "sell clamped up, got %s", sellOrder.Price)
	assert.True(t, buyReq.PostOnly, "maker advice places post-only")

	// maker fee 0.0005 on both legs:
	// 50500*0.01*0.9995 - 50000*0.01*1.0005 = 504.7475 - 500.25 = 4.4975
	risk.mu.Lock()
	defer risk.mu.Unlock()
	assert.True(t, risk.profit.Equal(dec("4.4975")), "got %s", risk.profit)
}

func TestExecutePredictorImprovesPricesInsideBounds(t *testing.T) {
	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000"), placeFn: placeFilled("binance")}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placeFilled("bybit")}
	risk := &fakeRisk{}

	// a cheaper buy and a richer sell are kept as predicted
	pred := &fakePredictor{ready: true, hasPrice: true, fn: legPrediction("49900", "50600")}

	e := newPredictingExecutor(buy, sell, risk, pred)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.NoError(t, err)
	require.NotNil(t, buyOrder)
	require.NotNil(t, sellOrder)

	assert.True(t, buyOrder.Price.Equal(dec("49900")), "got %s", buyOrder.Price)
	assert.True(t, sellOrder.Price.Equal(dec("50600")), "got %s", sellOrder.Price)
}

func TestExecutePredictorFailureDegradesToTaker(t *testing.T) {
	var buyReq exchange.PlaceOrderRequest
	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000")}
	buy.placeFn = func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
		buyReq = req
		return placeFilled("binance")(req)
	}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placeFilled("bybit")}
	risk := &fakeRisk{}

	pred := &fakePredictor{ready: true, hasPrice: true}
	pred.fn = func(*domain.OrderBook) (predictor.Prediction, error) {
		return predictor.Prediction{}, assert.AnError
	}

	e := newPredictingExecutor(buy, sell, risk, pred)
	buyOrder, sellOrder, err := e.Execute(context.Background(), testOpportunity(), nil)
	require.NoError(t, err)
	require.NotNil(t, buyOrder)
	require.NotNil(t, sellOrder)

	assert.True(t, buyOrder.Price.Equal(dec("50000")), "taker at the opportunity price, got %s", buyOrder.Price)
	assert.False(t, buyReq.PostOnly)

	// taker fee 0.001 on both legs, same as with no predictor wired
	risk.mu.Lock()
	defer risk.mu.Unlock()
	assert.True(t, risk.profit.Equal(dec("3.995")), "got %s", risk.profit)
}

func TestExecuteUnknownExchange(t *testing.T) {
	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000"), placeFn: placeFilled("binance")}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placeFilled("bybit")}

	e := newTestExecutor(buy, sell, &fakeRisk{}, nil)
	opp := testOpportunity()
	opp.SellExchange = "kraken"
	_, _, err := e.Execute(context.Background(), opp, nil)
	assert.ErrorIs(t, err, exchange.ErrUnknownExchange)
}

func TestCancelAllOrders(t *testing.T) {
	placePending := func(req exchange.PlaceOrderRequest) (*domain.Order, error) {
		return &domain.Order{
			ID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side,
			Quantity: req.Quantity, Price: req.Price,
			Status: domain.OrderStatusPending,
		}, nil
	}
	pending := domain.Order{ID: "stuck-1", Symbol: "BTCUSDT", Status: domain.OrderStatusPending}

	buy := &fakeClient{name: "binance", book: steadyBook("49990", "50000"), placeFn: placePending}
	sell := &fakeClient{name: "bybit", book: steadyBook("50500", "50510"), placeFn: placePending}

	e := newTestExecutor(buy, sell, &fakeRisk{}, nil)
	e.trackOrder(buy, pending)
	require.Len(t, e.ActiveOrders(), 1)

	e.CancelAllOrders(context.Background())
	assert.Len(t, buy.cancelledIDs(), 1)
	assert.Empty(t, e.ActiveOrders())
}
