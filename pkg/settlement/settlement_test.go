package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/internal/ledgertest"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const errorMismatchMessage = "expected %v, got %v"

func newTestService(test *testing.T) (*Service, *ledgertest.Harness) {
	test.Helper()
	harness := ledgertest.New(test)
	service, err := NewService(harness.Engine, ledger.DefaultSplitPolicy())
	if err != nil {
		test.Fatalf("settlement: %v", err)
	}
	return service, harness
}

func lockedChapter(test *testing.T, author ledger.UserID, price ledger.Coins) Chapter {
	test.Helper()
	return Chapter{ChapterID: "ch-1", StoryID: "story-1", AuthorID: author, Price: price, IsLocked: true}
}

func TestPurchaseChapterSplitsRevenue(test *testing.T) {
	test.Parallel()
	service, harness := newTestService(test)
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	harness.Fund(test, reader, 1000, "dep-1")

	receipt, err := service.PurchaseChapter(context.Background(), reader, lockedChapter(test, author, 100))
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if harness.Balance(test, reader) != 900 || harness.Balance(test, author) != 70 {
		test.Fatalf("unexpected balances reader=%d author=%d", harness.Balance(test, reader), harness.Balance(test, author))
	}
	credit, ok := receipt.EntryFor(ledger.EntryPurchaseCredit)
	if !ok || credit.ReferenceID.String() != "reader-1:ch-1" || credit.StoryID != "story-1" {
		test.Fatalf("unexpected credit entry %+v", credit)
	}
	platformShare, ok := credit.Metadata.Int64Field(metadataPlatformShare)
	if !ok || platformShare != 30 {
		test.Fatalf("expected platform share 30 in metadata, got %d", platformShare)
	}
	owned, err := service.HasPurchased(context.Background(), reader, "ch-1")
	if err != nil || !owned {
		test.Fatalf("expected purchase to be recorded, owned=%v err=%v", owned, err)
	}
	if types := harness.Publisher.Types(); len(types) != 1 || types[0] != ledger.EventPurchaseSettled {
		test.Fatalf("unexpected events %v", types)
	}
	harness.AssertConsistent(test, reader, author)
}

func TestPurchaseChapterTwiceReturnsPriorReceipt(test *testing.T) {
	test.Parallel()
	service, harness := newTestService(test)
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	harness.Fund(test, reader, 1000, "dep-1")

	first, err := service.PurchaseChapter(context.Background(), reader, lockedChapter(test, author, 100))
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	second, err := service.PurchaseChapter(context.Background(), reader, lockedChapter(test, author, 120))
	if !errors.Is(err, ledger.ErrAlreadyPurchased) {
		test.Fatalf(errorMismatchMessage, ledger.ErrAlreadyPurchased, err)
	}
	if !second.Replayed || len(second.Entries) != 2 || second.Entries[0].EntryID != first.Entries[0].EntryID {
		test.Fatalf("expected prior receipt, got %+v", second)
	}
	if harness.Balance(test, reader) != 900 || harness.Balance(test, author) != 70 {
		test.Fatalf("repeat purchase changed balances")
	}
	if len(harness.Publisher.Types()) != 1 {
		test.Fatalf("repeat purchase must not publish")
	}
}

func TestConcurrentPurchasesChargeOnce(test *testing.T) {
	test.Parallel()
	service, harness := newTestService(test)
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	harness.Fund(test, reader, 1000, "dep-1")

	var waitGroup sync.WaitGroup
	results := make(chan error, 8)
	for index := 0; index < 8; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.PurchaseChapter(context.Background(), reader, lockedChapter(test, author, 100))
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)
	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrAlreadyPurchased):
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		test.Fatalf("expected exactly one charge, got %d", succeeded)
	}
	if harness.Balance(test, reader) != 900 {
		test.Fatalf("expected single debit, balance %d", harness.Balance(test, reader))
	}
}

func TestPurchaseChapterFailsClosed(test *testing.T) {
	test.Parallel()
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	testCases := []struct {
		name    string
		reader  ledger.UserID
		chapter Chapter
		wantErr error
	}{
		{name: "insufficient funds", reader: reader, chapter: Chapter{ChapterID: "ch-1", AuthorID: author, Price: 500, IsLocked: true}, wantErr: ledger.ErrInsufficientFunds},
		{name: "free chapter", reader: reader, chapter: Chapter{ChapterID: "ch-1", AuthorID: author, Price: 10, IsLocked: false}, wantErr: ledger.ErrValidation},
		{name: "zero price", reader: reader, chapter: Chapter{ChapterID: "ch-1", AuthorID: author, Price: 0, IsLocked: true}, wantErr: ledger.ErrInvalidAmount},
		{name: "missing chapter id", reader: reader, chapter: Chapter{AuthorID: author, Price: 10, IsLocked: true}, wantErr: ledger.ErrValidation},
		{name: "own chapter", reader: author, chapter: Chapter{ChapterID: "ch-1", AuthorID: author, Price: 10, IsLocked: true}, wantErr: ledger.ErrValidation},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			service, harness := newTestService(test)
			harness.Fund(test, reader, 100, "dep-1")
			_, err := service.PurchaseChapter(context.Background(), testCase.reader, testCase.chapter)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if harness.Balance(test, reader) != 100 || harness.Balance(test, author) != 0 {
				test.Fatalf("failed purchase moved coins")
			}
		})
	}
}

func TestPurchaseOfOneCoinCreditsPlatformOnly(test *testing.T) {
	test.Parallel()
	service, harness := newTestService(test)
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	harness.Fund(test, reader, 10, "dep-1")
	receipt, err := service.PurchaseChapter(context.Background(), reader, lockedChapter(test, author, 1))
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if len(receipt.Entries) != 1 || harness.Balance(test, author) != 0 || harness.Balance(test, reader) != 9 {
		test.Fatalf("unexpected settlement %+v", receipt)
	}
	if _, err := service.PurchaseChapter(context.Background(), reader, lockedChapter(test, author, 1)); !errors.Is(err, ledger.ErrAlreadyPurchased) {
		test.Fatalf(errorMismatchMessage, ledger.ErrAlreadyPurchased, err)
	}
}

func TestSendTip(test *testing.T) {
	test.Parallel()
	service, harness := newTestService(test)
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	harness.Fund(test, reader, 300, "dep-1")
	tip := Tip{TipID: "tip-1", ReaderID: reader, AuthorID: author, Amount: 120, StoryID: "story-1"}

	for attempt := 0; attempt < 2; attempt++ {
		receipt, err := service.SendTip(context.Background(), tip)
		if err != nil {
			test.Fatalf("attempt %d: %v", attempt, err)
		}
		if receipt.Replayed != (attempt == 1) {
			test.Fatalf("attempt %d unexpected replay flag", attempt)
		}
	}
	if harness.Balance(test, reader) != 180 || harness.Balance(test, author) != 120 {
		test.Fatalf("unexpected balances reader=%d author=%d", harness.Balance(test, reader), harness.Balance(test, author))
	}
	if types := harness.Publisher.Types(); len(types) != 1 || types[0] != ledger.EventTipSettled {
		test.Fatalf("unexpected events %v", types)
	}
	harness.AssertConsistent(test, reader, author)
}

func TestSendTipRejectsInvalidTips(test *testing.T) {
	test.Parallel()
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	testCases := []struct {
		tip     Tip
		wantErr error
	}{
		{tip: Tip{TipID: "t", ReaderID: reader, AuthorID: reader, Amount: 5}, wantErr: ledger.ErrValidation},
		{tip: Tip{TipID: "t", ReaderID: reader, AuthorID: author, Amount: 0}, wantErr: ledger.ErrInvalidAmount},
		{tip: Tip{ReaderID: reader, AuthorID: author, Amount: 5}, wantErr: ledger.ErrInvalidReferenceID},
		{tip: Tip{TipID: "t", ReaderID: reader, AuthorID: author, Amount: 5000}, wantErr: ledger.ErrInsufficientFunds},
	}
	service, harness := newTestService(test)
	harness.Fund(test, reader, 100, "dep-1")
	for index, testCase := range testCases {
		_, err := service.SendTip(context.Background(), testCase.tip)
		if !errors.Is(err, testCase.wantErr) {
			test.Fatalf("case %d: %s", index, fmt.Sprintf(errorMismatchMessage, testCase.wantErr, err))
		}
	}
	if harness.Balance(test, reader) != 100 {
		test.Fatalf("invalid tips moved coins")
	}
}
