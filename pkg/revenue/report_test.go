package revenue

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const fixedNowUnixUTC = int64(1700000000)

func TestParseWindow(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw     string
		want    Window
		wantErr bool
	}{
		{raw: "", want: Window7Days},
		{raw: "7d", want: Window7Days},
		{raw: " 30D ", want: Window30Days},
		{raw: "all", want: WindowAll},
		{raw: "90d", wantErr: true},
	}
	for _, testCase := range testCases {
		window, err := ParseWindow(testCase.raw)
		if testCase.wantErr {
			if !errors.Is(err, ledger.ErrValidation) {
				test.Fatalf("%q: expected validation error, got %v", testCase.raw, err)
			}
			continue
		}
		if err != nil || window != testCase.want {
			test.Fatalf("%q: expected %s, got %s (%v)", testCase.raw, testCase.want, window, err)
		}
	}
}

func TestWindowStartsAtMidnight(test *testing.T) {
	test.Parallel()
	midnight := int64(1699920000)
	testCases := []struct {
		window Window
		want   int64
	}{
		{window: Window7Days, want: midnight - 6*secondsPerDay},
		{window: Window30Days, want: midnight - 29*secondsPerDay},
		{window: WindowAll, want: 0},
	}
	for _, testCase := range testCases {
		if got := testCase.window.SinceUnixUTC(fixedNowUnixUTC); got != testCase.want {
			test.Fatalf("%s: expected %d, got %d", testCase.window, testCase.want, got)
		}
	}
}

func TestAuthorAccumulator(test *testing.T) {
	test.Parallel()
	author, err := ledger.NewUserID("author-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	accumulator := NewAuthorAccumulator(author)
	accumulator.Add(ledger.EntryPurchaseCredit, "story-a", "2023-11-13", 70, 1)
	accumulator.Add(ledger.EntryPurchaseCredit, "story-b", "2023-11-14", 140, 2)
	accumulator.Add(ledger.EntryTipCredit, "story-a", "2023-11-14", 100, 1)
	accumulator.Add(ledger.EntryDeposit, "", "2023-11-14", 500, 1)

	report := accumulator.Report()
	if report.AuthorID != "author-1" || report.PurchaseCoins != 210 || report.TipCoins != 100 || report.TotalCoins != 310 {
		test.Fatalf("unexpected totals %+v", report)
	}
	if report.PurchaseCount != 3 || report.TipCount != 1 {
		test.Fatalf("unexpected counts %+v", report)
	}
	if len(report.ByStory) != 2 || report.ByStory[0].StoryID != "story-a" || report.ByStory[0].TotalCoins != 170 || report.ByStory[1].TotalCoins != 140 {
		test.Fatalf("unexpected stories %+v", report.ByStory)
	}
	if len(report.ByDay) != 2 || report.ByDay[0].Day != "2023-11-13" || report.ByDay[1].TotalCoins != 240 {
		test.Fatalf("unexpected days %+v", report.ByDay)
	}
}

func TestPlatformReportRetention(test *testing.T) {
	test.Parallel()
	var report PlatformReport
	report.Add(ledger.EntryPurchaseDebit, -150, 2)
	report.Add(ledger.EntryPurchaseCredit, 105, 2)
	report.Add(ledger.EntryTipCredit, 20, 1)
	report.Add(ledger.EntryTipDebit, -20, 1)
	if report.GrossPurchaseCoins != 150 || report.AuthorShareCoins != 105 || report.PlatformRetentionCoins != 45 {
		test.Fatalf("unexpected purchase figures %+v", report)
	}
	if report.TipCoins != 20 || report.PurchaseCount != 2 || report.TipCount != 1 {
		test.Fatalf("unexpected tip figures %+v", report)
	}
}
