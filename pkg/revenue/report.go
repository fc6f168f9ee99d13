package revenue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const secondsPerDay = int64(24 * 60 * 60)

// Window selects the reporting period.
type Window string

// Supported windows. Bounded windows start at UTC midnight so day buckets are complete.
const (
	Window7Days  Window = "7d"
	Window30Days Window = "30d"
	WindowAll    Window = "all"
)

// ParseWindow validates a window, defaulting to 7d.
func ParseWindow(raw string) (Window, error) {
	switch window := Window(strings.ToLower(strings.TrimSpace(raw))); window {
	case "":
		return Window7Days, nil
	case Window7Days, Window30Days, WindowAll:
		return window, nil
	default:
		return "", fmt.Errorf("%w: revenue window %q", ledger.ErrValidation, raw)
	}
}

// SinceUnixUTC returns the inclusive lower bound of the window, or 0 for all time.
func (window Window) SinceUnixUTC(nowUnixUTC int64) int64 {
	var days int64
	switch window {
	case Window7Days:
		days = 7
	case Window30Days:
		days = 30
	default:
		return 0
	}
	midnight := time.Unix(nowUnixUTC, 0).UTC().Truncate(24 * time.Hour).Unix()
	return midnight - (days-1)*secondsPerDay
}

// StoryRevenue is the author income attributed to one story.
type StoryRevenue struct {
	StoryID       string       `json:"story_id"`
	PurchaseCoins ledger.Coins `json:"purchase_coins"`
	TipCoins      ledger.Coins `json:"tip_coins"`
	TotalCoins    ledger.Coins `json:"total_coins"`
}

// DayRevenue is the author income booked on one UTC day.
type DayRevenue struct {
	Day           string       `json:"day"`
	PurchaseCoins ledger.Coins `json:"purchase_coins"`
	TipCoins      ledger.Coins `json:"tip_coins"`
	TotalCoins    ledger.Coins `json:"total_coins"`
}

// AuthorReport aggregates purchase and tip credits of one author. PurchaseCount counts
// sales that earned the author coins; a sale whose share floors to zero books no credit
// and shows up only in PlatformReport.PurchaseCount.
type AuthorReport struct {
	AuthorID      string         `json:"author_id"`
	Window        Window         `json:"window"`
	PurchaseCoins ledger.Coins   `json:"purchase_coins"`
	TipCoins      ledger.Coins   `json:"tip_coins"`
	TotalCoins    ledger.Coins   `json:"total_coins"`
	PurchaseCount int64          `json:"purchase_count"`
	TipCount      int64          `json:"tip_count"`
	ByStory       []StoryRevenue `json:"by_story"`
	ByDay         []DayRevenue   `json:"by_day"`
}

// AuthorAccumulator folds entries or pre-aggregated rows into an AuthorReport.
type AuthorAccumulator struct {
	report  AuthorReport
	stories map[string]*StoryRevenue
	days    map[string]*DayRevenue
}

// NewAuthorAccumulator starts an empty report.
func NewAuthorAccumulator(authorID ledger.UserID) *AuthorAccumulator {
	return &AuthorAccumulator{
		report:  AuthorReport{AuthorID: authorID.String()},
		stories: make(map[string]*StoryRevenue),
		days:    make(map[string]*DayRevenue),
	}
}

// Add records amount coins from count entries of kind. Other kinds are ignored.
func (accumulator *AuthorAccumulator) Add(kind ledger.EntryKind, storyID string, day string, amount int64, count int64) {
	if kind != ledger.EntryPurchaseCredit && kind != ledger.EntryTipCredit {
		return
	}
	coins := ledger.Coins(amount)
	story := accumulator.stories[storyID]
	if story == nil {
		story = &StoryRevenue{StoryID: storyID}
		accumulator.stories[storyID] = story
	}
	bucket := accumulator.days[day]
	if bucket == nil {
		bucket = &DayRevenue{Day: day}
		accumulator.days[day] = bucket
	}
	if kind == ledger.EntryPurchaseCredit {
		accumulator.report.PurchaseCoins += coins
		accumulator.report.PurchaseCount += count
		story.PurchaseCoins += coins
		bucket.PurchaseCoins += coins
	} else {
		accumulator.report.TipCoins += coins
		accumulator.report.TipCount += count
		story.TipCoins += coins
		bucket.TipCoins += coins
	}
	accumulator.report.TotalCoins += coins
	story.TotalCoins += coins
	bucket.TotalCoins += coins
}

// Report returns the aggregate with stories by revenue and days in order.
func (accumulator *AuthorAccumulator) Report() AuthorReport {
	report := accumulator.report
	report.ByStory = make([]StoryRevenue, 0, len(accumulator.stories))
	for _, story := range accumulator.stories {
		report.ByStory = append(report.ByStory, *story)
	}
	sort.Slice(report.ByStory, func(left, right int) bool {
		if report.ByStory[left].TotalCoins != report.ByStory[right].TotalCoins {
			return report.ByStory[left].TotalCoins > report.ByStory[right].TotalCoins
		}
		return report.ByStory[left].StoryID < report.ByStory[right].StoryID
	})
	report.ByDay = make([]DayRevenue, 0, len(accumulator.days))
	for _, bucket := range accumulator.days {
		report.ByDay = append(report.ByDay, *bucket)
	}
	sort.Slice(report.ByDay, func(left, right int) bool {
		return report.ByDay[left].Day < report.ByDay[right].Day
	})
	return report
}

// PlatformReport summarizes platform-wide purchase and tip flows.
type PlatformReport struct {
	Window                 Window       `json:"window"`
	GrossPurchaseCoins     ledger.Coins `json:"gross_purchase_coins"`
	AuthorShareCoins       ledger.Coins `json:"author_share_coins"`
	PlatformRetentionCoins ledger.Coins `json:"platform_retention_coins"`
	TipCoins               ledger.Coins `json:"tip_coins"`
	PurchaseCount          int64        `json:"purchase_count"`
	TipCount               int64        `json:"tip_count"`
}

// Add records pre-aggregated amounts of one kind.
func (report *PlatformReport) Add(kind ledger.EntryKind, amount int64, count int64) {
	switch kind {
	case ledger.EntryPurchaseDebit:
		report.GrossPurchaseCoins += ledger.SignedCoins(amount).Abs()
		report.PurchaseCount += count
	case ledger.EntryPurchaseCredit:
		report.AuthorShareCoins += ledger.SignedCoins(amount).Abs()
	case ledger.EntryTipCredit:
		report.TipCoins += ledger.SignedCoins(amount).Abs()
		report.TipCount += count
	}
	report.PlatformRetentionCoins = report.GrossPurchaseCoins - report.AuthorShareCoins
}

// AuthorKinds are the kinds counted as author revenue.
func AuthorKinds() []ledger.EntryKind {
	return []ledger.EntryKind{ledger.EntryPurchaseCredit, ledger.EntryTipCredit}
}

// PlatformKinds are the kinds the platform report reads.
func PlatformKinds() []ledger.EntryKind {
	return []ledger.EntryKind{ledger.EntryPurchaseDebit, ledger.EntryPurchaseCredit, ledger.EntryTipCredit}
}
