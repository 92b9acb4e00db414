package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/restaurant-reservation/internal/gateway"
	"github.com/iliyamo/restaurant-reservation/internal/lock"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/queue"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
)

// memStore is an in-memory RestaurantStore and ReservationStore.  Its
// transactions are not isolated from each other: a read and the later
// insert of one InSlotTx can interleave with other transactions, so only
// the slot lock keeps admissions correct.
type memStore struct {
	mu           sync.Mutex
	restaurants  map[string]model.Restaurant
	seats        map[string][]model.Seat
	reservations map[string]model.Reservation

	reservedReads atomic.Int32
	txConns       []*sql.Conn
}

func newMemStore() *memStore {
	return &memStore{
		restaurants:  map[string]model.Restaurant{},
		seats:        map[string][]model.Seat{},
		reservations: map[string]model.Reservation{},
	}
}

func (s *memStore) addRestaurant(id, owner string, status model.RestaurantStatus, capacities ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restaurants[id] = model.Restaurant{ID: id, OwnerID: owner, Name: "Restaurant " + id, Status: status}
	for i, c := range capacities {
		s.seats[id] = append(s.seats[id], model.Seat{
			ID: fmt.Sprintf("%s-seat-%d", id, i), RestaurantID: id, Name: fmt.Sprintf("T%d", i+1), Capacity: c,
		})
	}
}

func (s *memStore) put(res model.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[res.ID] = res
}

func (s *memStore) get(id string) model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations[id]
}

// intentOf returns the stored payment intent id of a reservation.
func (s *memStore) intentOf(id string) string {
	res := s.get(id)
	return res.IntentID()
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

func (s *memStore) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &res, nil
}

func (s *memStore) GetByPaymentIntent(ctx context.Context, intentID string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range s.reservations {
		if res.IntentID() == intentID {
			return &res, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]model.Reservation, error) {
	return s.filter(func(r model.Reservation) bool { return r.CustomerID == customerID }), nil
}

func (s *memStore) ListByRestaurant(ctx context.Context, restaurantID string, f repository.ListFilter) ([]model.Reservation, error) {
	return s.filter(func(r model.Reservation) bool {
		return r.RestaurantID == restaurantID &&
			(f.Date == "" || r.Date == f.Date) &&
			(f.Status == "" || r.Status == f.Status)
	}), nil
}

func (s *memStore) filter(keep func(model.Reservation) bool) []model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Reservation, 0)
	for _, r := range s.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) SeatCapacity(ctx context.Context, restaurantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, seat := range s.seats[restaurantID] {
		total += seat.Capacity
	}
	return total, nil
}

func (s *memStore) ReservedSeats(ctx context.Context, key model.SlotKey) (int, error) {
	s.reservedReads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.reservations {
		if r.Slot() == key && r.Occupies() {
			total += r.PartySize
		}
	}
	return total, nil
}

func (s *memStore) InSlotTx(ctx context.Context, conn *sql.Conn, fn func(repository.SlotTx) error) error {
	s.mu.Lock()
	s.txConns = append(s.txConns, conn)
	s.mu.Unlock()
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range tx.pending {
		s.reservations[r.ID] = r
	}
	return nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id string, from, to model.ReservationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	s.reservations[id] = r
	return true, nil
}

func (s *memStore) UpdatePaymentStatus(ctx context.Context, id string, from, to model.PaymentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.PaymentStatus != from {
		return false, nil
	}
	r.PaymentStatus = to
	s.reservations[id] = r
	return true, nil
}

func (s *memStore) SetPaymentIntent(ctx context.Context, id string, prev *string, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.PaymentStatus != model.PaymentPending {
		return false, nil
	}
	if (prev == nil) != (r.PaymentIntentID == nil) || (prev != nil && *prev != *r.PaymentIntentID) {
		return false, nil
	}
	for oid, other := range s.reservations {
		if oid != id && other.IntentID() == next {
			return false, repository.ErrConflict
		}
	}
	r.PaymentIntentID = &next
	s.reservations[id] = r
	return true, nil
}

// restaurant lookups share the store's lock

type memRestaurants struct{ s *memStore }

func (m memRestaurants) GetByID(ctx context.Context, id string) (*model.Restaurant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.restaurants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (m memRestaurants) GetByOwner(ctx context.Context, ownerID string) (*model.Restaurant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, r := range m.s.restaurants {
		if r.OwnerID == ownerID {
			return &r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memRestaurants) ListSeats(ctx context.Context, restaurantID string) ([]model.Seat, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([]model.Seat(nil), m.s.seats[restaurantID]...), nil
}

type memTx struct {
	store   *memStore
	pending []model.Reservation
}

func (t *memTx) SeatCapacity(ctx context.Context, restaurantID string) (int, error) {
	return t.store.SeatCapacity(ctx, restaurantID)
}

func (t *memTx) ReservedSeats(ctx context.Context, key model.SlotKey) (int, error) {
	n, err := t.store.ReservedSeats(ctx, key)
	// widen the window between read and write
	runtime.Gosched()
	return n, err
}

func (t *memTx) InsertReservation(ctx context.Context, res *model.Reservation) error {
	t.pending = append(t.pending, *res)
	return nil
}

// fakeGateway records calls and serves intents from memory.  Creation
// honours idempotency keys.
type fakeGateway struct {
	mu          sync.Mutex
	intents     map[string]gateway.Intent
	byKey       map[string]string
	creates     []gateway.IntentParams
	refunds     []string
	createErr   error
	retrieveErr error
	refundErr   error
	seq         int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]gateway.Intent{}, byKey: map[string]string{}}
}

func (g *fakeGateway) CreateIntent(ctx context.Context, p gateway.IntentParams) (gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates = append(g.creates, p)
	if g.createErr != nil {
		return gateway.Intent{}, g.createErr
	}
	if id, ok := g.byKey[p.IdempotencyKey]; ok {
		return g.intents[id], nil
	}
	g.seq++
	in := gateway.Intent{
		ID:           fmt.Sprintf("pi_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.seq),
		Status:       gateway.IntentRequiresPaymentMethod,
		Amount:       p.Amount,
		Currency:     p.Currency,
		Metadata:     p.Metadata,
	}
	g.intents[in.ID] = in
	g.byKey[p.IdempotencyKey] = in.ID
	return in, nil
}

func (g *fakeGateway) RetrieveIntent(ctx context.Context, id string) (gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retrieveErr != nil {
		return gateway.Intent{}, g.retrieveErr
	}
	in, ok := g.intents[id]
	if !ok {
		return gateway.Intent{}, &gateway.Error{Op: "retrieve intent", Outcome: gateway.ErrRejected, Code: "resource_missing", HTTPStatus: 404, Err: errors.New("no such intent")}
	}
	return in, nil
}

func (g *fakeGateway) setStatus(id string, st gateway.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.intents[id]
	in.Status = st
	g.intents[id] = in
}

func (g *fakeGateway) Refund(ctx context.Context, intentID, key string) (gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, key)
	if g.refundErr != nil {
		return gateway.Refund{}, g.refundErr
	}
	return gateway.Refund{ID: "re_" + intentID, Status: "succeeded"}, nil
}

func (g *fakeGateway) refundCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

func (g *fakeGateway) createCalls() []gateway.IntentParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.IntentParams(nil), g.creates...)
}

const goodSignature = "t=1,v1=good"

// VerifySignature accepts goodSignature only.  The payload is
// {"id","type","intent"}.
func (g *fakeGateway) VerifySignature(payload []byte, signature string) (gateway.Event, error) {
	if signature != goodSignature {
		return gateway.Event{}, gateway.ErrInvalidSignature
	}
	var body struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return gateway.Event{}, errors.Join(gateway.ErrInvalidSignature, err)
	}
	return gateway.Event{ID: body.ID, Type: body.Type, IntentID: body.Intent}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func (p *recordingPublisher) count(typ string) int {
	n := 0
	for _, t := range p.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// blockingPublisher parks every Publish until release is closed.  entered
// receives once per call.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (p *blockingPublisher) Publish(ctx context.Context, ev queue.Event) error {
	p.entered <- struct{}{}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionLocker grants local locks and hands out conn as the holding
// session.
type sessionLocker struct {
	*lock.Local
	conn *sql.Conn
}

func (l sessionLocker) AcquireSession(ctx context.Context, key string, wait time.Duration) (*sql.Conn, lock.Unlock, error) {
	unlock, err := l.Acquire(ctx, key, wait)
	if err != nil {
		return nil, nil, err
	}
	return l.conn, unlock, nil
}

// busyLocker never grants a lock.
type busyLocker struct{ attempts atomic.Int32 }

func (b *busyLocker) Acquire(ctx context.Context, key string, wait time.Duration) (lock.Unlock, error) {
	b.attempts.Add(1)
	return nil, lock.ErrTimeout
}

const (
	restaurantID = "r1"
	ownerID      = "owner-1"
	customerID   = "cust-1"
	slotDate     = "2026-11-02"
	slotTime     = "19:00"
)

var (
	customer = Requester{UserID: customerID, Role: model.RoleCustomer}
	owner    = Requester{UserID: ownerID, Role: model.RoleStore}
	admin    = Requester{UserID: "admin-1", Role: model.RoleAdmin}
)

type fixture struct {
	store      *memStore
	gw         *fakeGateway
	events     *recordingPublisher
	locker     *lock.Local
	admission  *AdmissionController
	reconciler *Reconciler
}

// newFixture builds both services over an active restaurant r1 seating 10.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		gw:     newFakeGateway(),
		events: &recordingPublisher{},
		locker: lock.NewLocal(),
	}
	f.store.addRestaurant(restaurantID, ownerID, model.RestaurantActive, 4, 4, 2)
	f.admission = NewAdmissionController(memRestaurants{f.store}, f.store, f.locker, f.events, nil,
		AdmissionConfig{LockWait: 2 * time.Second, Retries: 3, RetryBackoff: time.Millisecond})
	f.reconciler = NewReconciler(f.store, memRestaurants{f.store}, f.gw, f.locker, f.events, nil, time.Second)
	return f
}

func request(party int) ReservationRequest {
	return ReservationRequest{
		CustomerID:    customerID,
		RestaurantID:  restaurantID,
		Date:          slotDate,
		Time:          slotTime,
		PartySize:     party,
		PaymentMethod: model.PaymentOnsite,
	}
}

// seedReservation stores a reservation directly, bypassing admission.
func (f *fixture) seedReservation(id string, mutate func(*model.Reservation)) model.Reservation {
	res := model.Reservation{
		ID:            id,
		CustomerID:    customerID,
		RestaurantID:  restaurantID,
		Date:          slotDate,
		Time:          slotTime,
		PartySize:     2,
		Status:        model.StatusConfirmed,
		PaymentMethod: model.PaymentOnline,
		PaymentStatus: model.PaymentPending,
		Amount:        5000,
	}
	if mutate != nil {
		mutate(&res)
	}
	f.store.put(res)
	return res
}

func strPtr(s string) *string { return &s }
