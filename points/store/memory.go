// Package store provides the in-memory points.Store.
package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/tutortrack/points-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one RWMutex. WithTx holds the
// write lock for the whole callback, which makes every Lock* trivially
// exclusive, and restores a snapshot if the callback fails.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	users    map[points.UserID]points.User
	items    map[points.ItemID]points.StoreItem
	requests map[points.RequestID]points.ItemRequest
	ledger   map[points.UserID][]points.PointsTransaction

	// insertion order, for stable listings
	userOrder    []points.UserID
	itemOrder    []points.ItemID
	requestOrder []points.RequestID
}

func newState() state {
	return state{
		users:    make(map[points.UserID]points.User),
		items:    make(map[points.ItemID]points.StoreItem),
		requests: make(map[points.RequestID]points.ItemRequest),
		ledger:   make(map[points.UserID][]points.PointsTransaction),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

var _ points.Store = (*Memory)(nil)

// =============================================================================
// READER - Locked wrappers around state
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id points.UserID) (points.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUser(id)
}

func (m *Memory) ListUsers(_ context.Context, f points.UserFilter) ([]points.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUsers(f), nil
}

func (m *Memory) GetItem(_ context.Context, id points.ItemID) (points.StoreItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItem(id)
}

func (m *Memory) ListItems(context.Context) ([]points.StoreItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listItems(), nil
}

func (m *Memory) GetRequest(_ context.Context, id points.RequestID) (points.ItemRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequest(id)
}

func (m *Memory) ListRequests(_ context.Context, f points.RequestFilter) ([]points.ItemRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRequests(f), nil
}

func (m *Memory) ListTransactions(_ context.Context, studentID points.UserID) ([]points.PointsTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.ledger[studentID]), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
	}()
	if err := fn(&txView{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) snapshot() state {
	ledger := make(map[points.UserID][]points.PointsTransaction, len(m.ledger))
	for k, v := range m.ledger {
		ledger[k] = slices.Clone(v)
	}
	return state{
		users:        maps.Clone(m.users),
		items:        maps.Clone(m.items),
		requests:     maps.Clone(m.requests),
		ledger:       ledger,
		userOrder:    slices.Clone(m.userOrder),
		itemOrder:    slices.Clone(m.itemOrder),
		requestOrder: slices.Clone(m.requestOrder),
	}
}

// txView is the Tx handed to WithTx callbacks. The parent's write lock is
// already held, so it reads and writes state directly.
type txView struct {
	s *state
}

func (tv *txView) GetUser(_ context.Context, id points.UserID) (points.User, error) {
	return tv.s.getUser(id)
}

func (tv *txView) ListUsers(_ context.Context, f points.UserFilter) ([]points.User, error) {
	return tv.s.listUsers(f), nil
}

func (tv *txView) GetItem(_ context.Context, id points.ItemID) (points.StoreItem, error) {
	return tv.s.getItem(id)
}

func (tv *txView) ListItems(context.Context) ([]points.StoreItem, error) {
	return tv.s.listItems(), nil
}

func (tv *txView) GetRequest(_ context.Context, id points.RequestID) (points.ItemRequest, error) {
	return tv.s.getRequest(id)
}

func (tv *txView) ListRequests(_ context.Context, f points.RequestFilter) ([]points.ItemRequest, error) {
	return tv.s.listRequests(f), nil
}

func (tv *txView) ListTransactions(_ context.Context, studentID points.UserID) ([]points.PointsTransaction, error) {
	return slices.Clone(tv.s.ledger[studentID]), nil
}

func (tv *txView) LockUser(_ context.Context, id points.UserID) (points.User, error) {
	return tv.s.getUser(id)
}

func (tv *txView) LockItem(_ context.Context, id points.ItemID) (points.StoreItem, error) {
	return tv.s.getItem(id)
}

func (tv *txView) LockRequest(_ context.Context, id points.RequestID) (points.ItemRequest, error) {
	return tv.s.getRequest(id)
}

func (tv *txView) InsertUser(_ context.Context, u points.User) error {
	if _, ok := tv.s.users[u.ID]; ok {
		return points.ErrAlreadyExists
	}
	tv.s.users[u.ID] = u
	tv.s.userOrder = append(tv.s.userOrder, u.ID)
	return nil
}

func (tv *txView) SetUserPoints(_ context.Context, id points.UserID, balance int64) error {
	u, err := tv.s.getUser(id)
	if err != nil {
		return err
	}
	if balance < 0 {
		return &points.ConsistencyError{Op: "set_user_points", Step: "check", Err: points.ErrInsufficientBalance}
	}
	u.Points = balance
	tv.s.users[id] = u
	return nil
}

func (tv *txView) AppendTransaction(_ context.Context, t points.PointsTransaction) error {
	if _, err := tv.s.getUser(t.StudentID); err != nil {
		return err
	}
	tv.s.ledger[t.StudentID] = append(tv.s.ledger[t.StudentID], t)
	return nil
}

func (tv *txView) InsertItem(_ context.Context, item points.StoreItem) error {
	if _, ok := tv.s.items[item.ID]; ok {
		return points.ErrAlreadyExists
	}
	tv.s.items[item.ID] = item
	tv.s.itemOrder = append(tv.s.itemOrder, item.ID)
	return nil
}

func (tv *txView) UpdateItemDetails(_ context.Context, item points.StoreItem) error {
	cur, err := tv.s.getItem(item.ID)
	if err != nil {
		return err
	}
	cur.Name = item.Name
	cur.Description = item.Description
	cur.PointsRequired = item.PointsRequired
	cur.UpdatedAt = item.UpdatedAt
	tv.s.items[item.ID] = cur
	return nil
}

func (tv *txView) SetItemQuantity(_ context.Context, id points.ItemID, quantity int64) error {
	item, err := tv.s.getItem(id)
	if err != nil {
		return err
	}
	if quantity < 0 {
		return &points.ConsistencyError{Op: "set_item_quantity", Step: "check", Err: points.ErrOutOfStock}
	}
	item.AvailableQuantity = quantity
	tv.s.items[id] = item
	return nil
}

func (tv *txView) InsertRequest(_ context.Context, r points.ItemRequest) error {
	if _, ok := tv.s.requests[r.ID]; ok {
		return points.ErrAlreadyExists
	}
	tv.s.requests[r.ID] = r
	tv.s.requestOrder = append(tv.s.requestOrder, r.ID)
	return nil
}

func (tv *txView) UpdateRequest(_ context.Context, r points.ItemRequest) error {
	cur, err := tv.s.getRequest(r.ID)
	if err != nil {
		return err
	}
	cur.Status = r.Status
	cur.Note = r.Note
	cur.DecidedAt = r.DecidedAt
	cur.DecidedBy = r.DecidedBy
	tv.s.requests[r.ID] = cur
	return nil
}

// =============================================================================
// STATE - Unlocked accessors shared by Memory and txView
// =============================================================================

func (s *state) getUser(id points.UserID) (points.User, error) {
	u, ok := s.users[id]
	if !ok {
		return points.User{}, &points.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, nil
}

func (s *state) listUsers(f points.UserFilter) []points.User {
	var out []points.User
	for _, id := range s.userOrder {
		u := s.users[id]
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.TutorID != nil && (u.TutorID == nil || *u.TutorID != *f.TutorID) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (s *state) getItem(id points.ItemID) (points.StoreItem, error) {
	item, ok := s.items[id]
	if !ok {
		return points.StoreItem{}, &points.NotFoundError{Kind: "item", ID: string(id)}
	}
	return item, nil
}

func (s *state) listItems() []points.StoreItem {
	out := make([]points.StoreItem, 0, len(s.itemOrder))
	for _, id := range s.itemOrder {
		out = append(out, s.items[id])
	}
	return out
}

func (s *state) getRequest(id points.RequestID) (points.ItemRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return points.ItemRequest{}, &points.NotFoundError{Kind: "request", ID: string(id)}
	}
	return r, nil
}

func (s *state) listRequests(f points.RequestFilter) []points.ItemRequest {
	var out []points.ItemRequest
	for _, id := range s.requestOrder {
		r := s.requests[id]
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.StudentID != nil && r.StudentID != *f.StudentID {
			continue
		}
		if f.ItemID != nil && r.ItemID != *f.ItemID {
			continue
		}
		out = append(out, r)
	}
	return out
}
