// Package detector scans order books across exchanges and surfaces
// profitable cross-exchange spreads.
package detector

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbi/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Config holds the detection thresholds.
type Config struct {
	// MinSpreadPercent is the minimum gross spread between the sell bid
	// and the buy ask, in percent.
	MinSpreadPercent decimal.Decimal
	// MinProfit is the minimum net profit per opportunity in quote currency.
	MinProfit decimal.Decimal
	// MaxPositionSize caps the notional of a single opportunity in quote
	// currency. Zero means uncapped.
	MaxPositionSize decimal.Decimal
}

// FeeProvider reports the taker fee an exchange charges, as a fraction.
type FeeProvider interface {
	Name() string
	TakerFee() decimal.Decimal
}

// Detector finds arbitrage opportunities between pairs of exchanges.
type Detector struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger}
}

// DetectOpportunity compares one buy-side and one sell-side book for the same
// instrument and returns a profitable opportunity, or nil when there is none.
func (d *Detector) DetectOpportunity(symbol string, buyEx, sellEx FeeProvider, buyBook, sellBook *domain.OrderBook) *domain.Opportunity {
	if buyBook == nil || sellBook == nil {
		return nil
	}

	buyAsk, okAsk := buyBook.BestAsk()
	sellBid, okBid := sellBook.BestBid()
	if !okAsk || !okBid {
		return nil
	}
	if !buyAsk.Price.IsPositive() || !sellBid.Price.IsPositive() {
		return nil
	}
	if sellBid.Price.LessThanOrEqual(buyAsk.Price) {
		return nil
	}

	// gross spread relative to the buy price
	spread := sellBid.Price.Sub(buyAsk.Price).Div(buyAsk.Price).Mul(hundred)
	if spread.LessThan(d.cfg.MinSpreadPercent) {
		return nil
	}

	qty := decimal.Min(buyAsk.Quantity, sellBid.Quantity)
	if !qty.IsPositive() {
		return nil
	}

	buyFee := buyEx.TakerFee()
	sellFee := sellEx.TakerFee()

	netProfit := d.netProfit(buyAsk.Price, sellBid.Price, qty, buyFee, sellFee)
	if netProfit.LessThan(d.cfg.MinProfit) {
		return nil
	}

	// shrink to the position cap after the profit filter, the capped
	// opportunity keeps its slot even if the smaller size earns less
	unitCost := buyAsk.Price.Mul(one.Add(buyFee))
	if d.cfg.MaxPositionSize.IsPositive() && unitCost.Mul(qty).GreaterThan(d.cfg.MaxPositionSize) {
		qty = d.cfg.MaxPositionSize.Div(unitCost)
		netProfit = d.netProfit(buyAsk.Price, sellBid.Price, qty, buyFee, sellFee)
	}

	cost := unitCost.Mul(qty)
	profitPercent := decimal.Zero
	if cost.IsPositive() {
		profitPercent = netProfit.Div(cost).Mul(hundred)
	}

	opp := &domain.Opportunity{
		Symbol:        symbol,
		BuyExchange:   buyEx.Name(),
		SellExchange:  sellEx.Name(),
		BuyPrice:      buyAsk.Price,
		SellPrice:     sellBid.Price,
		SpreadPercent: spread,
		MaxQuantity:   qty,
		NetProfit:     netProfit,
		ProfitPercent: profitPercent,
		BuyFee:        buyFee,
		SellFee:       sellFee,
	}

	d.logger.Debug("opportunity detected",
		zap.String("symbol", symbol),
		zap.String("buy", opp.BuyExchange),
		zap.String("sell", opp.SellExchange),
		zap.String("spread", spread.StringFixed(4)),
		zap.String("profit", netProfit.StringFixed(8)))

	return opp
}

func (d *Detector) netProfit(buyPrice, sellPrice, qty, buyFee, sellFee decimal.Decimal) decimal.Decimal {
	revenue := sellPrice.Mul(qty).Mul(one.Sub(sellFee))
	cost := buyPrice.Mul(qty).Mul(one.Add(buyFee))
	return revenue.Sub(cost)
}

// FindOpportunities evaluates every ordered pair of exchanges holding a book
// for the symbol and returns the profitable ones sorted by net profit,
// best first.
func (d *Detector) FindOpportunities(symbol string, books map[string]*domain.OrderBook, exchanges map[string]FeeProvider) []*domain.Opportunity {
	names := make([]string, 0, len(books))
	for name := range books {
		if _, ok := exchanges[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var opps []*domain.Opportunity
	for _, buyName := range names {
		for _, sellName := range names {
			if buyName == sellName {
				continue
			}
			opp := d.DetectOpportunity(symbol, exchanges[buyName], exchanges[sellName], books[buyName], books[sellName])
			if opp != nil {
				opps = append(opps, opp)
			}
		}
	}

	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].NetProfit.GreaterThan(opps[j].NetProfit)
	})

	return opps
}

// Filter returns the opportunities at or above the given profit floor.
// The input slice is left untouched so a stale list can be re-filtered
// against tighter thresholds without losing the original.
func Filter(opps []*domain.Opportunity, minProfit decimal.Decimal) []*domain.Opportunity {
	out := make([]*domain.Opportunity, 0, len(opps))
	for _, o := range opps {
		if o.NetProfit.GreaterThanOrEqual(minProfit) {
			out = append(out, o)
		}
	}
	return out
}
