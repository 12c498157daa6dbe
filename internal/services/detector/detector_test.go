package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbi/internal/domain"
)

type fakeExchange struct {
	name string
	fee  decimal.Decimal
}

func (f *fakeExchange) Name() string              { return f.name }
func (f *fakeExchange) TakerFee() decimal.Decimal { return f.fee }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func book(symbol string, bidPrice, bidQty, askPrice, askQty string) *domain.OrderBook {
	return &domain.OrderBook{
		Symbol:    symbol,
		Bids:      []domain.BookLevel{{Price: dec(bidPrice), Quantity: dec(bidQty)}},
		Asks:      []domain.BookLevel{{Price: dec(askPrice), Quantity: dec(askQty)}},
		Timestamp: time.Now(),
	}
}

func TestDetectOpportunity(t *testing.T) {
	buyEx := &fakeExchange{name: "binance", fee: dec("0.001")}
	sellEx := &fakeExchange{name: "bybit", fee: dec("0.001")}

	tests := []struct {
		name     string
		cfg      Config
		buyBook  *domain.OrderBook
		sellBook *domain.OrderBook
		want     bool
		check    func(t *testing.T, opp *domain.Opportunity)
	}{
		{
			name:     "profitable spread",
			cfg:      Config{MinSpreadPercent: dec("0.1"), MinProfit: dec("1")},
			buyBook:  book("BTCUSDT", "49990", "1", "50000", "1"),
			sellBook: book("BTCUSDT", "50500", "1", "50510", "1"),
			want:     true,
			check: func(t *testing.T, opp *domain.Opportunity) {
				assert.Equal(t, "binance", opp.BuyExchange)
				assert.Equal(t, "bybit", opp.SellExchange)
				// 50500*1*0.999 - 50000*1*1.001 = 50449.5 - 50050 = 399.5
				assert.True(t, opp.NetProfit.Equal(dec("399.5")), "got %s", opp.NetProfit)
				assert.True(t, opp.SpreadPercent.Equal(dec("1")), "got %s", opp.SpreadPercent)
			},
		},
		{
			name:     "fees eat a thin spread",
			cfg:      Config{MinSpreadPercent: dec("0.1"), MinProfit: decimal.Zero},
			buyBook:  book("BTCUSDT", "49990", "0.1", "50000", "0.1"),
			sellBook: book("BTCUSDT", "50100", "0.1", "50110", "0.1"),
			want:     false, // 0.2% gross spread, net -0.01 after 0.1% each side
		},
		{
			name:     "spread below minimum",
			cfg:      Config{MinSpreadPercent: dec("2"), MinProfit: decimal.Zero},
			buyBook:  book("BTCUSDT", "49990", "1", "50000", "1"),
			sellBook: book("BTCUSDT", "50500", "1", "50510", "1"),
			want:     false,
		},
		{
			name:     "negative spread",
			cfg:      Config{MinSpreadPercent: decimal.Zero, MinProfit: decimal.Zero},
			buyBook:  book("BTCUSDT", "50490", "1", "50500", "1"),
			sellBook: book("BTCUSDT", "50000", "1", "50010", "1"),
			want:     false,
		},
		{
			name:     "empty book side",
			cfg:      Config{MinSpreadPercent: decimal.Zero, MinProfit: decimal.Zero},
			buyBook:  &domain.OrderBook{Symbol: "BTCUSDT", Bids: []domain.BookLevel{{Price: dec("1"), Quantity: dec("1")}}},
			sellBook: book("BTCUSDT", "50500", "1", "50510", "1"),
			want:     false,
		},
		{
			name:     "quantity limited by the thinner side",
			cfg:      Config{MinSpreadPercent: dec("0.1"), MinProfit: dec("1")},
			buyBook:  book("BTCUSDT", "49990", "2", "50000", "2"),
			sellBook: book("BTCUSDT", "50500", "0.5", "50510", "0.5"),
			want:     true,
			check: func(t *testing.T, opp *domain.Opportunity) {
				assert.True(t, opp.MaxQuantity.Equal(dec("0.5")), "got %s", opp.MaxQuantity)
			},
		},
	}

	d := New(Config{}, zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.cfg = tt.cfg
			opp := d.DetectOpportunity("BTCUSDT", buyEx, sellEx, tt.buyBook, tt.sellBook)
			if !tt.want {
				assert.Nil(t, opp)
				return
			}
			require.NotNil(t, opp)
			if tt.check != nil {
				tt.check(t, opp)
			}
		})
	}
}

func TestDetectOpportunityCapShrinksQuantity(t *testing.T) {
	buyEx := &fakeExchange{name: "binance", fee: dec("0.001")}
	sellEx := &fakeExchange{name: "bybit", fee: dec("0.001")}

	d := New(Config{
		MinSpreadPercent: dec("0.1"),
		MinProfit:        dec("1"),
		MaxPositionSize:  dec("5000"),
	}, zap.NewNop())

	// 1 BTC at 50000 costs ~50050 with fees, the 5000 cap shrinks the size
	opp := d.DetectOpportunity("BTCUSDT", buyEx, sellEx,
		book("BTCUSDT", "49990", "1", "50000", "1"),
		book("BTCUSDT", "50500", "1", "50510", "1"))
	require.NotNil(t, opp)
	assert.True(t, opp.MaxQuantity.LessThan(dec("1")))

	cost := opp.BuyPrice.Mul(opp.MaxQuantity).Mul(dec("1.001"))
	assert.True(t, cost.LessThanOrEqual(dec("5000.0000001")), "fee-inclusive cost %s must respect the cap", cost)

	// profit recomputed for the smaller size
	assert.True(t, opp.NetProfit.IsPositive())
	assert.True(t, opp.NetProfit.LessThan(dec("399.5")), "got %s", opp.NetProfit)
}

func TestFindOpportunitiesSorted(t *testing.T) {
	exchanges := map[string]FeeProvider{
		"binance": &fakeExchange{name: "binance", fee: dec("0.001")},
		"bybit":   &fakeExchange{name: "bybit", fee: dec("0.001")},
		"kucoin":  &fakeExchange{name: "kucoin", fee: dec("0.001")},
	}
	books := map[string]*domain.OrderBook{
		"binance": book("BTCUSDT", "49995", "1", "50000", "1"),
		"bybit":   book("BTCUSDT", "50500", "1", "50505", "1"),
		"kucoin":  book("BTCUSDT", "51000", "1", "51005", "1"),
	}

	d := New(Config{MinSpreadPercent: dec("0.1"), MinProfit: dec("1")}, zap.NewNop())
	opps := d.FindOpportunities("BTCUSDT", books, exchanges)
	require.NotEmpty(t, opps)

	for i := 1; i < len(opps); i++ {
		assert.True(t, opps[i-1].NetProfit.GreaterThanOrEqual(opps[i].NetProfit),
			"opportunities must be sorted by net profit descending")
	}
	for _, o := range opps {
		assert.NotEqual(t, o.BuyExchange, o.SellExchange)
	}
	// the widest spread wins
	assert.Equal(t, "binance", opps[0].BuyExchange)
	assert.Equal(t, "kucoin", opps[0].SellExchange)
}

func TestFilter(t *testing.T) {
	opps := []*domain.Opportunity{
		{Symbol: "BTCUSDT", NetProfit: dec("5")},
		{Symbol: "ETHUSDT", NetProfit: dec("0.5")},
		{Symbol: "SOLUSDT", NetProfit: dec("2")},
	}
	got := Filter(opps, dec("1"))
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "SOLUSDT", got[1].Symbol)

	// the input list survives filtering and can be re-filtered
	require.Len(t, opps, 3)
	assert.Equal(t, "ETHUSDT", opps[1].Symbol)
	assert.Len(t, Filter(opps, dec("0.1")), 3)
}
