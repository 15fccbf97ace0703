// Package testutil holds in-memory fakes of the stores and the ledger for
// state-machine and settlement tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// MarketStore is an in-memory domain.MarketStore.
type MarketStore struct {
	mu      sync.Mutex
	Markets map[string]domain.Market
}

// NewMarketStore returns an empty MarketStore.
func NewMarketStore(ms ...domain.Market) *MarketStore {
	s := &MarketStore{Markets: make(map[string]domain.Market)}
	for _, m := range ms {
		s.Markets[m.ID] = m
	}
	return s
}

// Get returns a copy of a stored market.
func (s *MarketStore) Get(id string) domain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Markets[id]
}

func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.Markets {
		if o.ID == m.ID || (o.Asset == m.Asset && o.Timeframe == m.Timeframe && o.ExpiryAt.Equal(m.ExpiryAt)) {
			return domain.ErrAlreadyExists
		}
	}
	s.Markets[m.ID] = m
	return nil
}

func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *MarketStore) ExistsForSlot(_ context.Context, a domain.Asset, tf domain.Timeframe, expiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.Markets {
		if m.Asset == a && m.Timeframe == tf && m.ExpiryAt.Equal(expiry) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MarketStore) list(limit int, keep func(domain.Market) bool) []domain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.Markets {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryAt.Equal(out[j].ExpiryAt) {
			return out[i].ExpiryAt.Before(out[j].ExpiryAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MarketStore) ListDueForActivation(_ context.Context, now time.Time, limit int) ([]domain.Market, error) {
	return s.list(limit, func(m domain.Market) bool {
		return m.Status == domain.MarketStatusPendingActivation && !m.StartAt.After(now) && m.ExpiryAt.After(now)
	}), nil
}

func (s *MarketStore) ListExpired(_ context.Context, status domain.MarketStatus, now time.Time, limit int) ([]domain.Market, error) {
	return s.list(limit, func(m domain.Market) bool {
		return m.Status == status && !m.ExpiryAt.After(now)
	}), nil
}

func (s *MarketStore) ListByStatus(_ context.Context, status domain.MarketStatus, limit int) ([]domain.Market, error) {
	return s.list(limit, func(m domain.Market) bool { return m.Status == status }), nil
}

func (s *MarketStore) ListSettledBefore(_ context.Context, before time.Time, limit int) ([]domain.Market, error) {
	return s.list(limit, func(m domain.Market) bool {
		return m.Status == domain.MarketStatusSettled && m.SettledAt != nil && m.SettledAt.Before(before)
	}), nil
}

func (s *MarketStore) CountByStatus(context.Context) (map[domain.MarketStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.MarketStatus]int64)
	for _, m := range s.Markets {
		out[m.Status]++
	}
	return out, nil
}

func (s *MarketStore) update(id string, from []domain.MarketStatus, fn func(*domain.Market)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Markets[id]
	if !ok {
		return false
	}
	for _, st := range from {
		if m.Status == st {
			fn(&m)
			s.Markets[id] = m
			return true
		}
	}
	return false
}

func (s *MarketStore) Activate(_ context.Context, id string, strike int64) (bool, error) {
	return s.update(id, []domain.MarketStatus{domain.MarketStatusPendingActivation}, func(m *domain.Market) {
		m.StrikePrice = strike
		m.Status = domain.MarketStatusOpen
	}), nil
}

func (s *MarketStore) Transition(_ context.Context, id string, from, to domain.MarketStatus) (bool, error) {
	return s.update(id, []domain.MarketStatus{from}, func(m *domain.Market) { m.Status = to }), nil
}

func (s *MarketStore) MarkResolved(_ context.Context, id string, o domain.Outcome, final int64, at time.Time) (bool, error) {
	return s.update(id, []domain.MarketStatus{domain.MarketStatusClosed}, func(m *domain.Market) {
		m.Status = domain.MarketStatusResolved
		m.Outcome = o
		m.FinalPrice = final
		m.ResolvedAt = &at
	}), nil
}

func (s *MarketStore) MarkSettled(_ context.Context, id string, at time.Time) (bool, error) {
	return s.update(id, []domain.MarketStatus{
		domain.MarketStatusResolved, domain.MarketStatusClosed, domain.MarketStatusPendingActivation,
	}, func(m *domain.Market) {
		m.Status = domain.MarketStatusSettled
		m.SettledAt = &at
	}), nil
}

func (s *MarketStore) MarkArchived(_ context.Context, id string, from domain.MarketStatus, at time.Time) (bool, error) {
	return s.update(id, []domain.MarketStatus{from}, func(m *domain.Market) {
		m.Status = domain.MarketStatusArchived
		m.ArchivedAt = &at
	}), nil
}

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu        sync.Mutex
	Positions map[string]domain.Position
}

// NewPositionStore returns a PositionStore holding ps.
func NewPositionStore(ps ...domain.Position) *PositionStore {
	s := &PositionStore{Positions: make(map[string]domain.Position)}
	for _, p := range ps {
		if p.Status == "" {
			p.Status = domain.PositionStatusOpen
		}
		s.Positions[p.ID] = p
	}
	return s
}

// Get returns a copy of a stored position.
func (s *PositionStore) Get(id string) domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Positions[id]
}

func (s *PositionStore) ListUnsettled(_ context.Context, marketID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.Positions {
		if p.MarketID == marketID && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PositionStore) CountByMarket(_ context.Context, marketID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.Positions {
		if p.MarketID == marketID {
			n++
		}
	}
	return n, nil
}

func (s *PositionStore) MarkSettled(_ context.Context, id string, pnl int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Positions[id]
	if !ok || p.Status != domain.PositionStatusOpen {
		return false, nil
	}
	p.Status = domain.PositionStatusSettled
	p.RealizedPnL = pnl
	p.SettledAt = &at
	s.Positions[id] = p
	return true, nil
}

// UserStore maps user ids to wallets.
type UserStore struct {
	Wallets map[string]string
}

func (s *UserStore) PayoutAddresses(_ context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range ids {
		if w := s.Wallets[id]; w != "" {
			out[id] = w
		}
	}
	return out, nil
}

// OrderStore is an in-memory domain.OrderStore.
type OrderStore struct {
	mu     sync.Mutex
	Orders map[string]domain.Order
}

// NewOrderStore returns an OrderStore holding os.
func NewOrderStore(os ...domain.Order) *OrderStore {
	s := &OrderStore{Orders: make(map[string]domain.Order)}
	for _, o := range os {
		s.Orders[o.ID] = o
	}
	return s
}

// Get returns a copy of a stored order.
func (s *OrderStore) Get(id string) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Orders[id]
}

func resting(o domain.Order) bool {
	return o.Status == domain.OrderStatusOpen || o.Status == domain.OrderStatusPartial
}

func (s *OrderStore) CancelOpenByMarket(_ context.Context, marketID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, o := range s.Orders {
		if o.MarketID == marketID && resting(o) {
			o.Status = domain.OrderStatusCancelled
			s.Orders[id] = o
			n++
		}
	}
	return n, nil
}

func (s *OrderStore) ListLedgerCleanup(_ context.Context, marketID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.Orders {
		if o.MarketID == marketID && o.OnLedger() && !o.LedgerClosed &&
			(o.Status == domain.OrderStatusCancelled || o.Status == domain.OrderStatusExpired) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *OrderStore) MarkLedgerClosed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		o := s.Orders[id]
		o.LedgerClosed = true
		s.Orders[id] = o
	}
	return nil
}

func (s *OrderStore) ListExpiredOpen(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.Orders {
		if resting(o) && o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OrderStore) MarkExpired(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if o, ok := s.Orders[id]; ok && resting(o) {
			o.Status = domain.OrderStatusExpired
			s.Orders[id] = o
		}
	}
	return nil
}

// SettlementStore is an in-memory domain.SettlementStore with the same
// one-record-per-position rule as the SQL schema.
type SettlementStore struct {
	mu      sync.Mutex
	Records map[string]domain.Settlement // by id
}

// NewSettlementStore returns an empty SettlementStore.
func NewSettlementStore() *SettlementStore {
	return &SettlementStore{Records: make(map[string]domain.Settlement)}
}

// ByPosition returns the record of a position, if any.
func (s *SettlementStore) ByPosition(positionID string) (domain.Settlement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.Records {
		if r.PositionID == positionID {
			return r, true
		}
	}
	return domain.Settlement{}, false
}

// Count returns how many records have status.
func (s *SettlementStore) Count(status domain.SettlementStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.Records {
		if r.Status == status {
			n++
		}
	}
	return n
}

func (s *SettlementStore) ListByMarket(_ context.Context, marketID string) ([]domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Settlement
	for _, r := range s.Records {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out, nil
}

func (s *SettlementStore) CreatePending(_ context.Context, recs []domain.Settlement) ([]domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Settlement
	now := time.Now().UTC()
	for _, r := range recs {
		var prev *domain.Settlement
		for _, e := range s.Records {
			if e.PositionID == r.PositionID {
				prev = &e
				break
			}
		}
		switch {
		case prev == nil:
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			r.CreatedAt = now
		case prev.Status == domain.SettlementFailed:
			r.ID = prev.ID
			r.CreatedAt = prev.CreatedAt
		default:
			continue
		}
		r.Status = domain.SettlementPending
		r.TxSignature = ""
		r.UpdatedAt = now
		s.Records[r.ID] = r
		out = append(out, r)
	}
	return out, nil
}

func (s *SettlementStore) UpdateStatus(_ context.Context, ids []string, status domain.SettlementStatus, sig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		r, ok := s.Records[id]
		if !ok {
			continue
		}
		r.Status = status
		if sig != "" {
			r.TxSignature = sig
		}
		r.UpdatedAt = time.Now().UTC()
		s.Records[id] = r
	}
	return nil
}

func (s *SettlementStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Settlement
	for _, r := range s.Records {
		if r.Status == domain.SettlementPending && r.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Put stores a record as is.
func (s *SettlementStore) Put(r domain.Settlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records[r.ID] = r
}

// EventRecorder collects emitted events.
type EventRecorder struct {
	mu     sync.Mutex
	Events []domain.Event
}

func (r *EventRecorder) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
}

// Count returns how many events of type t were emitted.
func (r *EventRecorder) Count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.Events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

var (
	_ domain.MarketStore     = (*MarketStore)(nil)
	_ domain.PositionStore   = (*PositionStore)(nil)
	_ domain.UserStore       = (*UserStore)(nil)
	_ domain.OrderStore      = (*OrderStore)(nil)
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.EventSink       = (*EventRecorder)(nil)
)
