package revenue

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/internal/ledgertest"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/settlement"
)

type failingSource struct{}

func (failingSource) AuthorReport(context.Context, ledger.UserID, int64) (AuthorReport, error) {
	return AuthorReport{}, ledger.ErrStorageUnavailable
}

func (failingSource) PlatformReport(context.Context, int64) (PlatformReport, error) {
	return PlatformReport{}, ledger.ErrStorageUnavailable
}

func TestLogSourceReports(test *testing.T) {
	test.Parallel()
	harness := ledgertest.New(test)
	ctx := context.Background()
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	harness.Fund(test, reader, 1000, "top-up")
	settler, err := settlement.NewService(harness.Engine, ledger.DefaultSplitPolicy())
	if err != nil {
		test.Fatalf("settlement: %v", err)
	}
	purchase := func(chapterID string, storyID string, price ledger.Coins) {
		test.Helper()
		chapter := settlement.Chapter{ChapterID: chapterID, StoryID: storyID, AuthorID: author, Price: price, IsLocked: true}
		if _, err := settler.PurchaseChapter(ctx, reader, chapter); err != nil {
			test.Fatalf("purchase %s: %v", chapterID, err)
		}
	}

	purchase("ch-old", "story-a", 100)
	harness.Clock.Advance(10 * 24 * 60 * 60)
	purchase("ch-1", "story-a", 100)
	purchase("ch-2", "story-b", 50)
	if _, err := settler.SendTip(ctx, settlement.Tip{TipID: "tip-1", ReaderID: reader, AuthorID: author, Amount: 20, StoryID: "story-b"}); err != nil {
		test.Fatalf("tip: %v", err)
	}

	service, err := NewService(NewLogSource(harness.Store), harness.Clock.Now)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	weekly, err := service.AuthorRevenue(ctx, author, Window7Days)
	if err != nil {
		test.Fatalf("author revenue: %v", err)
	}
	if weekly.Window != Window7Days || weekly.PurchaseCoins != 105 || weekly.TipCoins != 20 || weekly.TotalCoins != 125 {
		test.Fatalf("unexpected weekly report %+v", weekly)
	}
	if len(weekly.ByStory) != 2 || weekly.ByStory[0].StoryID != "story-a" || weekly.ByStory[1].TotalCoins != 55 {
		test.Fatalf("unexpected stories %+v", weekly.ByStory)
	}
	if len(weekly.ByDay) != 1 {
		test.Fatalf("expected one day bucket, got %+v", weekly.ByDay)
	}

	allTime, err := service.AuthorRevenue(ctx, author, WindowAll)
	if err != nil {
		test.Fatalf("all time: %v", err)
	}
	if allTime.PurchaseCoins != 175 || allTime.PurchaseCount != 3 || len(allTime.ByDay) != 2 {
		test.Fatalf("unexpected all-time report %+v", allTime)
	}

	platform, err := service.PlatformRevenue(ctx, Window7Days)
	if err != nil {
		test.Fatalf("platform revenue: %v", err)
	}
	if platform.GrossPurchaseCoins != 150 || platform.AuthorShareCoins != 105 || platform.PlatformRetentionCoins != 45 || platform.TipCoins != 20 {
		test.Fatalf("unexpected platform report %+v", platform)
	}
}

func TestServiceErrors(test *testing.T) {
	test.Parallel()
	now := func() int64 { return fixedNowUnixUTC }
	if _, err := NewService(nil, now); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected config error, got %v", err)
	}
	if _, err := NewService(failingSource{}, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected config error, got %v", err)
	}
	service, err := NewService(failingSource{}, now)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	if _, err := service.AuthorRevenue(context.Background(), ledger.UserID{}, Window7Days); !errors.Is(err, ledger.ErrInvalidUserID) {
		test.Fatalf("expected invalid user, got %v", err)
	}
	author, _ := ledger.NewUserID("author-1")
	if _, err := service.AuthorRevenue(context.Background(), author, Window7Days); !errors.Is(err, ledger.ErrStorageUnavailable) {
		test.Fatalf("expected storage error, got %v", err)
	}
	if _, err := service.PlatformRevenue(context.Background(), WindowAll); !errors.Is(err, ledger.ErrStorageUnavailable) {
		test.Fatalf("expected storage error, got %v", err)
	}
}

func TestZeroShareSaleCountsOnlyForPlatform(test *testing.T) {
	test.Parallel()
	harness := ledgertest.New(test)
	ctx := context.Background()
	reader := ledgertest.UserID(test, "reader-1")
	author := ledgertest.UserID(test, "author-1")
	harness.Fund(test, reader, 100, "top-up")
	settler, err := settlement.NewService(harness.Engine, ledger.DefaultSplitPolicy())
	if err != nil {
		test.Fatalf("settlement: %v", err)
	}
	for _, chapter := range []settlement.Chapter{
		{ChapterID: "ch-1", StoryID: "story-a", AuthorID: author, Price: 1, IsLocked: true},
		{ChapterID: "ch-2", StoryID: "story-a", AuthorID: author, Price: 10, IsLocked: true},
	} {
		if _, err := settler.PurchaseChapter(ctx, reader, chapter); err != nil {
			test.Fatalf("purchase %s: %v", chapter.ChapterID, err)
		}
	}
	service, err := NewService(NewLogSource(harness.Store), harness.Clock.Now)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	authorReport, err := service.AuthorRevenue(ctx, author, WindowAll)
	if err != nil {
		test.Fatalf("author revenue: %v", err)
	}
	if authorReport.PurchaseCount != 1 || authorReport.PurchaseCoins != 7 {
		test.Fatalf("expected one credited sale of 7, got %+v", authorReport)
	}
	platform, err := service.PlatformRevenue(ctx, WindowAll)
	if err != nil {
		test.Fatalf("platform revenue: %v", err)
	}
	if platform.PurchaseCount != 2 || platform.GrossPurchaseCoins != 11 || platform.PlatformRetentionCoins != 4 {
		test.Fatalf("unexpected platform report %+v", platform)
	}
}
