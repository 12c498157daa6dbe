// Package binance adapts the Binance spot API to the exchange.Client
// interface. Orders are tracked by client order id so a placement and its
// later status polls agree on identity.
package binance

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/arbi/internal/domain"
	"github.com/vadiminshakov/arbi/internal/exchange"
)

const exchangeName = "binance"

// api error codes, see binance spot API docs
const (
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeOrderNotFound    = -2013
	codeBadAPIKey        = -2014
	codeRejectedMbx      = -2015
	codeTooManyRequests  = -1003
)

// Config holds the adapter settings. Fees are fractions, not percent.
type Config struct {
	APIKey    string
	APISecret string
	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
}

// Client implements exchange.Client on top of the Binance spot API.
type Client struct {
	api      *binance.Client
	makerFee decimal.Decimal
	takerFee decimal.Decimal
	auth     bool
}

func New(cfg Config) *Client {
	return &Client{
		api:      binance.NewClient(cfg.APIKey, cfg.APISecret),
		makerFee: cfg.MakerFee,
		takerFee: cfg.TakerFee,
		auth:     cfg.APIKey != "" && cfg.APISecret != "",
	}
}

func (c *Client) Name() string { return exchangeName }

func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	res, err := c.api.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	book := &domain.OrderBook{
		Symbol:    symbol,
		Bids:      make([]domain.BookLevel, 0, len(res.Bids)),
		Asks:      make([]domain.BookLevel, 0, len(res.Asks)),
		Timestamp: time.Now(),
	}
	for _, b := range res.Bids {
		level, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return nil, errors.Wrap(err, "parse bid level")
		}
		book.Bids = append(book.Bids, level)
	}
	for _, a := range res.Asks {
		level, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return nil, errors.Wrap(err, "parse ask level")
		}
		book.Asks = append(book.Asks, level)
	}

	return book, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*domain.Order, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(req.Side)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)

	switch {
	case req.Type == domain.OrderTypeMarket || req.Price.IsZero():
		svc = svc.Type(binance.OrderTypeMarket)
	case req.PostOnly:
		// LIMIT_MAKER rejects instead of matching immediately
		svc = svc.Type(binance.OrderTypeLimitMaker).Price(req.Price.String())
	default:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	filled, err := decimal.NewFromString(res.ExecutedQuantity)
	if err != nil {
		filled = decimal.Zero
	}

	return &domain.Order{
		ID:             req.ClientOrderID,
		Exchange:       exchangeName,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		Price:          req.Price,
		FilledQuantity: filled,
		Status:         mapStatus(res.Status, filled),
		CreatedAt:      time.Now(),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	_, err := c.api.NewCancelOrderService().Symbol(symbol).OrigClientOrderID(id).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			// already terminal: nothing left to cancel
			if apiErr.Code == codeOrderNotFound || apiErr.Code == codeCancelRejected {
				return false, nil
			}
		}
		return false, mapError(err)
	}
	return true, nil
}

func (c *Client) GetOrder(ctx context.Context, id, symbol string) (*domain.Order, error) {
	res, err := c.api.NewGetOrderService().Symbol(symbol).OrigClientOrderID(id).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	price, perr := decimal.NewFromString(res.Price)
	if perr != nil {
		price = decimal.Zero
	}
	quantity, qerr := decimal.NewFromString(res.OrigQuantity)
	if qerr != nil {
		quantity = decimal.Zero
	}
	filled, ferr := decimal.NewFromString(res.ExecutedQuantity)
	if ferr != nil {
		filled = decimal.Zero
	}

	return &domain.Order{
		ID:             id,
		Exchange:       exchangeName,
		Symbol:         symbol,
		Side:           mapSide(res.Side),
		Type:           mapType(res.Type),
		Quantity:       quantity,
		Price:          price,
		FilledQuantity: filled,
		Status:         mapStatus(res.Status, filled),
		CreatedAt:      time.UnixMilli(res.Time),
	}, nil
}

func (c *Client) GetBalance(ctx context.Context, currency string) (map[string]domain.Balance, error) {
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	out := make(map[string]domain.Balance)
	for _, b := range account.Balances {
		if currency != "" && b.Asset != currency {
			continue
		}
		free, ferr := decimal.NewFromString(b.Free)
		if ferr != nil {
			continue
		}
		locked, lerr := decimal.NewFromString(b.Locked)
		if lerr != nil {
			locked = decimal.Zero
		}
		out[b.Asset] = domain.Balance{Currency: b.Asset, Available: free, Locked: locked}
	}

	return out, nil
}

func (c *Client) MakerFee() decimal.Decimal { return c.makerFee }
func (c *Client) TakerFee() decimal.Decimal { return c.takerFee }
func (c *Client) IsAuthenticated() bool     { return c.auth }

func sideType(side domain.Side) binance.SideType {
	if side == domain.SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func mapSide(side binance.SideType) domain.Side {
	if side == binance.SideTypeSell {
		return domain.SideSell
	}
	return domain.SideBuy
}

func mapType(orderType binance.OrderType) domain.OrderType {
	if orderType == binance.OrderTypeMarket {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}

func mapStatus(status binance.OrderStatusType, filled decimal.Decimal) domain.OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	default:
		if filled.IsPositive() {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusPending
	}
}

func parseLevel(price, quantity string) (domain.BookLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.BookLevel{}, err
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return domain.BookLevel{}, err
	}
	return domain.BookLevel{Price: p, Quantity: q}, nil
}

// mapError translates SDK failures into the shared taxonomy: auth problems
// are surfaced immediately, order rejections end the leg, everything else
// (network, rate limits, 5xx) is treated as transient.
func mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return &exchange.TransientError{Exchange: exchangeName, Err: err}
	}

	switch apiErr.Code {
	case codeBadAPIKey, codeRejectedMbx:
		return &exchange.AuthError{Exchange: exchangeName, Err: err}
	case codeNewOrderRejected:
		return &exchange.RejectedError{Exchange: exchangeName, Err: errors.Wrap(exchange.ErrInsufficientBalance, apiErr.Message)}
	case codeTooManyRequests:
		return &exchange.TransientError{Exchange: exchangeName, Err: err}
	default:
		if apiErr.Code <= -1000 && apiErr.Code > -1100 {
			// -1xxx are server/network conditions
			return &exchange.TransientError{Exchange: exchangeName, Err: err}
		}
		return &exchange.RejectedError{Exchange: exchangeName, Err: err}
	}
}
