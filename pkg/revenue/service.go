package revenue

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

// Source computes raw aggregates from the ledger log.
type Source interface {
	AuthorReport(ctx context.Context, authorID ledger.UserID, sinceUnixUTC int64) (AuthorReport, error)
	PlatformReport(ctx context.Context, sinceUnixUTC int64) (PlatformReport, error)
}

// Reporter answers revenue dashboard queries.
type Reporter interface {
	AuthorRevenue(ctx context.Context, authorID ledger.UserID, window Window) (AuthorReport, error)
	PlatformRevenue(ctx context.Context, window Window) (PlatformReport, error)
}

// Service resolves windows against the clock and delegates to a Source.
type Service struct {
	source Source
	nowFn  func() int64
}

// NewService wires the read model.
func NewService(source Source, now func() int64) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: revenue source is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Service{source: source, nowFn: now}, nil
}

// AuthorRevenue reports purchase and tip income of an author.
func (service *Service) AuthorRevenue(ctx context.Context, authorID ledger.UserID, window Window) (AuthorReport, error) {
	if authorID.IsZero() {
		return AuthorReport{}, ledger.WrapError("revenue", "author", "invalid", ledger.ErrInvalidUserID)
	}
	report, err := service.source.AuthorReport(ctx, authorID, window.SinceUnixUTC(service.nowFn()))
	if err != nil {
		return AuthorReport{}, err
	}
	report.Window = window
	return report, nil
}

// PlatformRevenue reports platform retention from purchases.
func (service *Service) PlatformRevenue(ctx context.Context, window Window) (PlatformReport, error) {
	report, err := service.source.PlatformReport(ctx, window.SinceUnixUTC(service.nowFn()))
	if err != nil {
		return PlatformReport{}, err
	}
	report.Window = window
	return report, nil
}

// LogSource aggregates in memory over ScanEntries. It serves sqlite deployments
// and tests; postgres deployments use SQL aggregation.
type LogSource struct {
	records ledger.Records
}

// NewLogSource wraps the ledger records.
func NewLogSource(records ledger.Records) *LogSource {
	return &LogSource{records: records}
}

func (source *LogSource) AuthorReport(ctx context.Context, authorID ledger.UserID, sinceUnixUTC int64) (AuthorReport, error) {
	entries, err := source.records.ScanEntries(ctx, ledger.EntryFilter{
		AccountID:    authorID,
		Kinds:        AuthorKinds(),
		SinceUnixUTC: sinceUnixUTC,
	})
	if err != nil {
		return AuthorReport{}, err
	}
	accumulator := NewAuthorAccumulator(authorID)
	for _, entry := range entries {
		accumulator.Add(entry.Kind, entry.StoryID, entry.EffectiveDay.String(), entry.Amount.Int64(), 1)
	}
	return accumulator.Report(), nil
}

func (source *LogSource) PlatformReport(ctx context.Context, sinceUnixUTC int64) (PlatformReport, error) {
	entries, err := source.records.ScanEntries(ctx, ledger.EntryFilter{
		Kinds:        PlatformKinds(),
		SinceUnixUTC: sinceUnixUTC,
	})
	if err != nil {
		return PlatformReport{}, err
	}
	var report PlatformReport
	for _, entry := range entries {
		report.Add(entry.Kind, entry.Amount.Int64(), 1)
	}
	return report, nil
}
