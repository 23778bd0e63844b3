package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/store"
	"github.com/bishopkbb/access-edu-ng-sub000/pkg/paystackclient"
)

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same revision semantics as the Postgres repository.
type memStore struct {
	mu   sync.Mutex
	subs map[string]*domain.Subscription
	txs  map[string]*domain.Transaction

	upsertErr       error
	appendErr       error
	forcedConflicts int
	upsertCalls     int
	appendCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		subs: map[string]*domain.Subscription{},
		txs:  map[string]*domain.Transaction{},
	}
}

func (m *memStore) put(sub *domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := sub.Clone()
	if c.Revision == 0 {
		c.Revision = 1
	}
	m.subs[c.SubscriptionCode] = c
}

func (m *memStore) sub(code string) *domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[code]; ok {
		return s.Clone()
	}
	return nil
}

func (m *memStore) tx(reference string) *domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[reference]; ok {
		c := *t
		return &c
	}
	return nil
}

func (m *memStore) txCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func (m *memStore) GetSubscription(ctx context.Context, code string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[code]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	return s.Clone(), nil
}

func (m *memStore) UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	if m.forcedConflicts > 0 {
		m.forcedConflicts--
		return nil, store.ErrRevisionConflict
	}

	existing, ok := m.subs[sub.SubscriptionCode]
	if sub.Revision == 0 && ok {
		return nil, store.ErrRevisionConflict
	}
	if sub.Revision != 0 && (!ok || existing.Revision != sub.Revision) {
		return nil, store.ErrRevisionConflict
	}

	saved := sub.Clone()
	saved.Revision = sub.Revision + 1
	if ok {
		saved.CreatedAt = existing.CreatedAt
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = testNow
	}
	saved.UpdatedAt = testNow
	m.subs[saved.SubscriptionCode] = saved
	return saved.Clone(), nil
}

func (m *memStore) PromoteSubscription(ctx context.Context, fromCode, toCode string, expectedRevision int64) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.subs[fromCode]
	if !ok || existing.Revision != expectedRevision {
		return nil, store.ErrRevisionConflict
	}
	if _, taken := m.subs[toCode]; taken {
		return nil, store.ErrRevisionConflict
	}
	delete(m.subs, fromCode)
	existing.SubscriptionCode = toCode
	existing.Revision++
	m.subs[toCode] = existing
	for _, t := range m.txs {
		if t.SubscriptionCode == fromCode {
			t.SubscriptionCode = toCode
		}
	}
	return existing.Clone(), nil
}

func (m *memStore) FindActiveSubscriptionByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.Subscription
	for _, s := range m.subs {
		if s.UserID == userID && s.Status == domain.StatusActive {
			if found == nil || s.UpdatedAt.After(found.UpdatedAt) {
				found = s
			}
		}
	}
	if found == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return found.Clone(), nil
}

func (m *memStore) ListSubscriptionsByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := []domain.Subscription{}
	for _, s := range m.subs {
		if s.UserID == userID {
			subs = append(subs, *s.Clone())
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })
	return subs, nil
}

func (m *memStore) FindProvisionalSubscription(ctx context.Context, email, planCode string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.IsProvisional() && strings.EqualFold(s.CustomerEmail, email) && s.PlanCode == planCode {
			return s.Clone(), nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (m *memStore) FindSubscriptionByCustomerPlan(ctx context.Context, customerCode, planCode string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.CustomerCode == customerCode && s.PlanCode == planCode {
			return s.Clone(), nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (m *memStore) FindUserIDByCustomer(ctx context.Context, customerCode, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.UserID == "" {
			continue
		}
		if (customerCode != "" && s.CustomerCode == customerCode) || (email != "" && strings.EqualFold(s.CustomerEmail, email)) {
			return s.UserID, nil
		}
	}
	return "", store.ErrSubscriptionNotFound
}

func (m *memStore) ListStalePendingSubscriptions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := []domain.Subscription{}
	for _, s := range m.subs {
		if s.Status == domain.StatusPending && s.CreatedAt.Before(createdBefore) {
			subs = append(subs, *s.Clone())
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	if len(subs) > limit {
		subs = subs[:limit]
	}
	return subs, nil
}

func (m *memStore) AppendTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	existing, ok := m.txs[tx.Reference]
	if !ok {
		c := *tx
		c.CreatedAt = testNow
		c.UpdatedAt = testNow
		m.txs[tx.Reference] = &c
		out := c
		return &out, nil
	}
	existing.Merge(tx)
	existing.UpdatedAt = testNow
	out := *existing
	return &out, nil
}

func (m *memStore) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[reference]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	c := *t
	return &c, nil
}

// fakeGateway records calls and returns canned results.
type fakeGateway struct {
	mu sync.Mutex

	initErr   error
	initCalls int
	lastInit  paystackclient.InitializeRequest

	verifyResults map[string]*paystackclient.TransactionResult
	verifyErr     error
	verifyCalls   int

	disableErrs  []error
	disableCalls int
	enableErrs   []error
	enableCalls  int
	lastToken    string

	planErrs  []error
	planCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{verifyResults: map[string]*paystackclient.TransactionResult{}}
}

func (g *fakeGateway) InitializePayment(ctx context.Context, req paystackclient.InitializeRequest) (*paystackclient.InitializeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	g.lastInit = req
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &paystackclient.InitializeResult{
		AuthorizationURL: "https://checkout.paystack.com/" + req.Reference,
		AccessCode:       "access_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (g *fakeGateway) VerifyTransaction(ctx context.Context, reference string) (*paystackclient.TransactionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	result, ok := g.verifyResults[reference]
	if !ok {
		return nil, &domain.GatewayError{Code: domain.GatewayCodeRejected, Message: "Transaction reference not found", HTTPStatus: 400}
	}
	c := *result
	return &c, nil
}

func (g *fakeGateway) CreatePlan(ctx context.Context, req paystackclient.CreatePlanRequest) (*paystackclient.PlanResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.planCalls++
	if err := popErr(&g.planErrs); err != nil {
		return nil, err
	}
	return &paystackclient.PlanResult{PlanCode: "PLN_created", Name: req.Name, Amount: req.Amount}, nil
}

func (g *fakeGateway) DisableSubscription(ctx context.Context, code, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disableCalls++
	g.lastToken = token
	return popErr(&g.disableErrs)
}

func (g *fakeGateway) EnableSubscription(ctx context.Context, code, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enableCalls++
	g.lastToken = token
	return popErr(&g.enableErrs)
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// fakePublisher records published routing keys.
type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *fakePublisher) PublishSubscriptionEvent(ctx context.Context, routingKey string, event domain.SubscriptionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type testHarness struct {
	store     *memStore
	gateway   *fakeGateway
	publisher *fakePublisher
	engine    *Engine
	service   *Service
}

var monthlyPlan = domain.Plan{
	Key:      "monthly",
	PlanCode: "PLN_monthly",
	Name:     "Premium Monthly",
	Amount:   500000,
	Currency: "NGN",
	Interval: domain.IntervalMonthly,
}

func newHarness() *testHarness {
	st := newMemStore()
	gw := newFakeGateway()
	pub := &fakePublisher{}
	engine := NewEngine(st, gw, pub, discardLogger(), EngineOptions{})
	engine.now = func() time.Time { return testNow }
	catalog := NewPlanCatalog([]domain.Plan{monthlyPlan}, nil)
	svc := NewService(engine, st, gw, catalog, nil, nil, discardLogger(), ServiceOptions{RetryBackoff: time.Millisecond})
	return &testHarness{store: st, gateway: gw, publisher: pub, engine: engine, service: svc}
}

func activeSubscription(code string, endDate time.Time) *domain.Subscription {
	start := endDate.AddDate(0, -1, 0)
	end := endDate
	next := endDate
	paid := start
	return &domain.Subscription{
		SubscriptionCode: code,
		UserID:           "u1",
		CustomerCode:     "CUS_1",
		CustomerEmail:    "a@b.com",
		EmailToken:       "tok_stored",
		PlanCode:         "PLN_monthly",
		PlanName:         "Premium Monthly",
		Amount:           500000,
		Currency:         "NGN",
		Interval:         domain.IntervalMonthly,
		Status:           domain.StatusActive,
		StartDate:        &start,
		EndDate:          &end,
		NextPaymentDate:  &next,
		LastPaymentDate:  &paid,
		InitialReference: "ref0",
		AutoRenew:        true,
		CreatedAt:        start,
	}
}
