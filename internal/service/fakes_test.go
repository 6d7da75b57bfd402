package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lendvault/lendvault/internal/domain"
)

// In-memory fakes for the domain store and cache interfaces.

type memPositions struct {
	mu   sync.Mutex
	byID map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{byID: map[string]domain.Position{}}
}

func (m *memPositions) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[pos.ID]; ok {
		return domain.ErrConflict
	}
	m.byID[pos.ID] = pos
	return nil
}

func (m *memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositions) Update(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[pos.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != pos.Version {
		return domain.ErrConflict
	}
	pos.Version++
	m.byID[pos.ID] = pos
	return nil
}

func (m *memPositions) UpdateStatus(_ context.Context, id string, from, to domain.PositionStatus, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != from || cur.Version != version {
		return domain.ErrConflict
	}
	cur.Status = to
	cur.Version++
	if to == domain.PositionStatusClosed || to == domain.PositionStatusLiquidated {
		now := time.Now().UTC()
		cur.ClosedAt = &now
	}
	m.byID[id] = cur
	return nil
}

func (m *memPositions) List(_ context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.byID {
		if filter.Borrower != "" && pos.Borrower != filter.Borrower {
			continue
		}
		if filter.Status != "" && pos.Status != filter.Status {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memPositions) ListActive(ctx context.Context) ([]domain.Position, error) {
	return m.List(ctx, domain.PositionFilter{Status: domain.PositionStatusActive})
}

func (m *memPositions) ListSettledBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.byID {
		if pos.ClosedAt == nil || !pos.ClosedAt.Before(cutoff) {
			continue
		}
		out = append(out, pos)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memPositions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memPositions) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.byID)), nil
}

type memPolicies struct {
	mu      sync.Mutex
	byAsset map[string]domain.Policy
}

func newMemPolicies() *memPolicies {
	return &memPolicies{byAsset: map[string]domain.Policy{}}
}

func (m *memPolicies) GetPolicy(_ context.Context, asset string) (domain.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byAsset[asset]; ok {
		return p, nil
	}
	return domain.DefaultPolicy(asset), nil
}

func (m *memPolicies) Upsert(_ context.Context, p domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byAsset[p.Asset]; ok {
		p.Version = cur.Version + 1
	} else {
		p.Version = 1
	}
	m.byAsset[p.Asset] = p
	return nil
}

func (m *memPolicies) List(_ context.Context) ([]domain.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Policy, 0, len(m.byAsset))
	for _, p := range m.byAsset {
		out = append(out, p)
	}
	return out, nil
}

type memPrices struct {
	mu     sync.Mutex
	quotes []domain.PriceQuote
	nextID int64
}

func newMemPrices() *memPrices {
	return &memPrices{}
}

func (m *memPrices) Insert(_ context.Context, q domain.PriceQuote) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	q.ID = m.nextID
	m.quotes = append(m.quotes, q)
	return q.ID, nil
}

func (m *memPrices) latest(asset string, approvedOnly bool) (domain.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.quotes) - 1; i >= 0; i-- {
		q := m.quotes[i]
		if q.Asset != asset {
			continue
		}
		if approvedOnly && !q.Approved {
			continue
		}
		return q, nil
	}
	return domain.PriceQuote{}, domain.ErrNotFound
}

func (m *memPrices) LatestApproved(_ context.Context, asset string) (domain.PriceQuote, error) {
	return m.latest(asset, true)
}

func (m *memPrices) Latest(_ context.Context, asset string) (domain.PriceQuote, error) {
	return m.latest(asset, false)
}

func (m *memPrices) ListHistory(_ context.Context, asset string, opts domain.ListOpts) ([]domain.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PriceQuote
	for i := len(m.quotes) - 1; i >= 0; i-- {
		if m.quotes[i].Asset == asset {
			out = append(out, m.quotes[i])
		}
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

type memIntents struct {
	mu   sync.Mutex
	byID map[string]domain.LiquidationIntent
}

func newMemIntents() *memIntents {
	return &memIntents{byID: map[string]domain.LiquidationIntent{}}
}

func (m *memIntents) Create(_ context.Context, intent domain.LiquidationIntent) (domain.LiquidationIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.PositionID == intent.PositionID && existing.Status == domain.IntentStatusPending {
			return existing, false, nil
		}
	}
	m.byID[intent.ID] = intent
	return intent, true, nil
}

func (m *memIntents) GetByID(_ context.Context, id string) (domain.LiquidationIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.byID[id]
	if !ok {
		return domain.LiquidationIntent{}, domain.ErrNotFound
	}
	return intent, nil
}

func (m *memIntents) MarkExecuted(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if intent.Status != domain.IntentStatusPending {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	intent.Status = domain.IntentStatusExecuted
	intent.TxHash = txHash
	intent.ExecutedAt = &now
	m.byID[id] = intent
	return nil
}

func (m *memIntents) MarkFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if intent.Status != domain.IntentStatusPending {
		return domain.ErrConflict
	}
	intent.Status = domain.IntentStatusFailed
	m.byID[id] = intent
	return nil
}

func (m *memIntents) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, intent := range m.byID {
		if intent.Status == domain.IntentStatusPending && intent.Deadline.Before(now) {
			intent.Status = domain.IntentStatusExpired
			m.byID[id] = intent
			n++
		}
	}
	return n, nil
}

func (m *memIntents) List(_ context.Context, status domain.IntentStatus, _ domain.ListOpts) ([]domain.LiquidationIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LiquidationIntent
	for _, intent := range m.byID {
		if status != "" && intent.Status != status {
			continue
		}
		out = append(out, intent)
	}
	return out, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func newMemAudit() *memAudit {
	return &memAudit{}
}

func (m *memAudit) Log(_ context.Context, eventType, entityType, entityID string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.AuditEntry{
		ID:         int64(len(m.entries) + 1),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (m *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.entries...), nil
}

func (m *memAudit) ListByEntity(_ context.Context, entityType, entityID string, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.AuditEntry
	var n int64
	for _, e := range m.entries {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

// events returns the event types logged so far, in order.
func (m *memAudit) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.EventType
	}
	return out
}

func (m *memAudit) hasEvent(eventType string) bool {
	for _, e := range m.events() {
		if e == eventType {
			return true
		}
	}
	return false
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: map[string]bool{}}
}

func (m *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][]domain.StreamMessage
}

func newMemBus() *memBus {
	return &memBus{
		published: map[string][][]byte{},
		streams:   map[string][]domain.StreamMessage{},
	}
}

func (m *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

func (m *memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (m *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("%d-0", len(m.streams[stream])+1)
	m.streams[stream] = append(m.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func (m *memBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StreamMessage
	for _, msg := range m.streams[stream] {
		if lastID != "" && lastID != "0" && msg.ID <= lastID {
			continue
		}
		out = append(out, msg)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

// eventTypes decodes the "type" field of every JSON payload on a channel.
func (m *memBus) eventTypes(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, payload := range m.published[channel] {
		s := string(payload)
		if i := strings.Index(s, `"type":"`); i >= 0 {
			rest := s[i+len(`"type":"`):]
			out = append(out, rest[:strings.Index(rest, `"`)])
		}
	}
	return out
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
	stamps map[string]time.Time
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: map[string]float64{}, stamps: map[string]time.Time{}}
}

func (m *memPriceCache) SetPrice(_ context.Context, asset string, price float64, _ bool, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset] = price
	m.stamps[asset] = ts
	return nil
}

func (m *memPriceCache) GetPrice(_ context.Context, asset string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[asset]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, m.stamps[asset], nil
}

func (m *memPriceCache) GetPrices(_ context.Context, assets []string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]float64{}
	for _, asset := range assets {
		if price, ok := m.prices[asset]; ok {
			out[asset] = price
		}
	}
	return out, nil
}

var (
	_ domain.PositionStore = (*memPositions)(nil)
	_ domain.PolicyStore   = (*memPolicies)(nil)
	_ domain.PriceStore    = (*memPrices)(nil)
	_ domain.IntentStore   = (*memIntents)(nil)
	_ domain.AuditStore    = (*memAudit)(nil)
	_ domain.LockManager   = (*memLocks)(nil)
	_ domain.SignalBus     = (*memBus)(nil)
	_ domain.PriceCache    = (*memPriceCache)(nil)
)
