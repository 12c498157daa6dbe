// Package orders persists order states and completed trades in a WAL so the
// trade history survives restarts. All writes are best-effort from the
// executor's point of view; a storage failure never rolls back a trade.
package orders

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/arbi/internal/domain"
)

const (
	defaultDir   = "./wal/orders"
	segmentLimit = 1000
	maxSegments  = 100

	orderKeyPrefix = "order_"
	tradeKeyPrefix = "trade_"
)

// OrderRecord is one persisted order state observation.
type OrderRecord struct {
	Order      domain.Order       `json:"order"`
	Exchange   string             `json:"exchange"`
	Status     domain.OrderStatus `json:"status"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// TradeRecord is one persisted filled leg with its realized P&L, when known.
type TradeRecord struct {
	Order       domain.Order     `json:"order"`
	Exchange    string           `json:"exchange"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
	RecordedAt  time.Time        `json:"recorded_at"`
}

// WALStore persists order and trade records in a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.Mutex
}

// NewWALStore initializes a WAL-backed order store under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "orders_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init order WAL")
	}

	return &WALStore{wal: wal}, nil
}

// UpsertOrder appends the order's current state. Every observation is kept;
// replay returns the latest state per order id.
func (s *WALStore) UpsertOrder(order domain.Order, exchangeName string, status domain.OrderStatus) error {
	if s == nil || s.wal == nil {
		return errors.New("order store is not initialized")
	}
	if order.ID == "" {
		return errors.New("order id is required")
	}

	rec := OrderRecord{Order: order, Exchange: exchangeName, Status: status, RecordedAt: time.Now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal order record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Write(s.wal.CurrentIndex()+1, orderKeyPrefix+order.ID, payload)
}

// AddTrade appends a completed leg. realizedPnl is nil when the pair's
// profit cannot be attributed to a single leg.
func (s *WALStore) AddTrade(order domain.Order, exchangeName string, realizedPnl *decimal.Decimal) error {
	if s == nil || s.wal == nil {
		return errors.New("order store is not initialized")
	}
	if order.ID == "" {
		return errors.New("order id is required")
	}

	rec := TradeRecord{Order: order, Exchange: exchangeName, RealizedPnL: realizedPnl, RecordedAt: time.Now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal trade record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Write(s.wal.CurrentIndex()+1, tradeKeyPrefix+order.ID, payload)
}

// Orders replays the WAL and returns the latest observed state per order id.
func (s *WALStore) Orders() (map[string]OrderRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("order store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]OrderRecord)
	for m := range s.wal.Iterator() {
		if !strings.HasPrefix(m.Key, orderKeyPrefix) {
			continue
		}
		var rec OrderRecord
		if err := json.Unmarshal(m.Value, &rec); err != nil {
			return nil, errors.Wrap(err, "decode order record")
		}
		out[strings.TrimPrefix(m.Key, orderKeyPrefix)] = rec
	}

	return out, nil
}

// Trades replays the WAL and returns all trade records in write order.
func (s *WALStore) Trades() ([]TradeRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("order store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TradeRecord
	for m := range s.wal.Iterator() {
		if !strings.HasPrefix(m.Key, tradeKeyPrefix) {
			continue
		}
		var rec TradeRecord
		if err := json.Unmarshal(m.Value, &rec); err != nil {
			return nil, errors.Wrap(err, "decode trade record")
		}
		out = append(out, rec)
	}

	return out, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("order store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
