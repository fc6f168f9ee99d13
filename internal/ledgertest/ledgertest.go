// Package ledgertest wires a sqlite-backed ledger engine for package tests.
package ledgertest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NowUnixUTC is the fixed clock used by Engine (2023-11-14T22:13:20Z).
const NowUnixUTC = int64(1700000000)

// Clock is a settable test clock.
type Clock struct {
	mu  sync.Mutex
	now int64
}

// NewClock starts at NowUnixUTC.
func NewClock() *Clock {
	return &Clock{now: NowUnixUTC}
}

// Now returns the current fake time.
func (clock *Clock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

// Advance moves the clock forward by seconds.
func (clock *Clock) Advance(seconds int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += seconds
}

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	events []ledger.Event
}

// Publish stores the event.
func (publisher *Publisher) Publish(_ context.Context, event ledger.Event) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
	return nil
}

// Types returns the published event types in order.
func (publisher *Publisher) Types() []string {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	types := make([]string, 0, len(publisher.events))
	for _, event := range publisher.events {
		types = append(types, event.Type)
	}
	return types
}

// Events returns a copy of the published events.
func (publisher *Publisher) Events() []ledger.Event {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	return append([]ledger.Event(nil), publisher.events...)
}

// Harness bundles the engine with its store, clock and publisher.
type Harness struct {
	Store     *gormstore.Store
	Engine    *ledger.Service
	Clock     *Clock
	Publisher *Publisher
}

// New opens a migrated sqlite database in a temp dir and wires an engine over it.
func New(test testing.TB) *Harness {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	clock := NewClock()
	publisher := &Publisher{}
	engine, err := ledger.NewService(store, clock.Now, ledger.WithEventPublisher(publisher))
	if err != nil {
		test.Fatalf("engine: %v", err)
	}
	return &Harness{Store: store, Engine: engine, Clock: clock, Publisher: publisher}
}

// UserID parses an id or fails the test.
func UserID(test testing.TB, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

// Admin returns an actor carrying the admin role.
func Admin(test testing.TB, raw string) ledger.Actor {
	test.Helper()
	return ledger.Actor{UserID: UserID(test, raw), Roles: []string{ledger.RoleAdmin}}
}

// Fund books a deposit entry directly through the engine.
func (harness *Harness) Fund(test testing.TB, userID ledger.UserID, amount ledger.Coins, reference string) {
	test.Helper()
	referenceID, err := ledger.NewReferenceID(reference)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	posting, err := ledger.NewPosting(userID, ledger.EntryDeposit, amount.Signed(), referenceID, ledger.MetadataJSON{})
	if err != nil {
		test.Fatalf("posting: %v", err)
	}
	_, err = harness.Engine.Apply(context.Background(), ledger.Transaction{
		Operation: "fund",
		Accounts:  []ledger.UserID{userID},
		Plan:      ledger.StaticPlan(posting),
	})
	if err != nil {
		test.Fatalf("fund: %v", err)
	}
}

// Balance reads the stored balance.
func (harness *Harness) Balance(test testing.TB, userID ledger.UserID) ledger.Coins {
	test.Helper()
	account, err := harness.Engine.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return account.Balance
}

// AssertConsistent fails when any account's balance differs from its log.
func (harness *Harness) AssertConsistent(test testing.TB, userIDs ...ledger.UserID) {
	test.Helper()
	for _, userID := range userIDs {
		reconciliation, err := harness.Engine.Reconcile(context.Background(), userID)
		if err != nil {
			test.Fatalf("reconcile %s: %v", userID, err)
		}
		if !reconciliation.Consistent() {
			test.Fatalf("account %s drifted by %d", userID, reconciliation.Drift())
		}
	}
}
