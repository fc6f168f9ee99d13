// Package settlement charges readers for chapters and tips and credits the author share.
package settlement

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	operationPurchase = "purchase_chapter"
	operationTip      = "send_tip"

	metadataGross         = "gross"
	metadataAuthorShare   = "author_share"
	metadataPlatformShare = "platform_share"
	metadataAuthorID      = "author_id"
	metadataChapterID     = "chapter_id"
	metadataStoryID       = "story_id"
	metadataReason        = "reason"
)

// Chapter is the offer supplied by the content catalog.
type Chapter struct {
	ChapterID string
	StoryID   string
	AuthorID  ledger.UserID
	Price     ledger.Coins
	IsLocked  bool
}

// Catalog resolves the authoritative offer for a chapter.
type Catalog interface {
	Chapter(ctx context.Context, chapterID string) (Chapter, error)
}

// Tip is a reader-to-author gift.
type Tip struct {
	TipID    string
	ReaderID ledger.UserID
	AuthorID ledger.UserID
	Amount   ledger.Coins
	StoryID  string
}

// Service settles purchases and tips through the ledger engine.
type Service struct {
	engine *ledger.Service
	policy ledger.SplitPolicy
}

// NewService wires the settlement workflow.
func NewService(engine *ledger.Service, policy ledger.SplitPolicy) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: ledger engine is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Service{engine: engine, policy: policy}, nil
}

// PurchaseChapter debits the reader and credits the author share. A reader buys a
// chapter at most once: repeated calls return the original receipt together with
// ledger.ErrAlreadyPurchased.
func (service *Service) PurchaseChapter(ctx context.Context, readerID ledger.UserID, chapter Chapter) (ledger.Receipt, error) {
	if err := validateChapter(readerID, chapter); err != nil {
		return ledger.Receipt{}, ledger.WrapError(operationPurchase, "chapter", "invalid", err)
	}
	reference, err := ledger.JoinReference(readerID.String(), chapter.ChapterID)
	if err != nil {
		return ledger.Receipt{}, ledger.WrapError(operationPurchase, "reference", "invalid", err)
	}
	offered, err := service.purchasePostings(readerID, chapter.AuthorID, chapter.ChapterID, chapter.StoryID, chapter.Price, reference)
	if err != nil {
		return ledger.Receipt{}, err
	}
	alreadyPurchased := false
	plan := func(ctx context.Context, records ledger.Records) ([]ledger.Posting, error) {
		prior, found, err := records.FindEntry(ctx, ledger.EntryPurchaseDebit, reference)
		if err != nil {
			return nil, err
		}
		if !found {
			return offered, nil
		}
		alreadyPurchased = true
		return service.priorPostings(prior, readerID, chapter, reference)
	}
	receipt, err := service.engine.Apply(ctx, ledger.Transaction{
		Operation: operationPurchase,
		Accounts:  []ledger.UserID{readerID, chapter.AuthorID},
		Plan:      plan,
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	if alreadyPurchased {
		return receipt, ledger.WrapError(operationPurchase, "chapter", "already_purchased", ledger.ErrAlreadyPurchased)
	}
	authorShare, platformShare := service.policy.Split(chapter.Price)
	service.engine.Publish(ctx, ledger.Event{
		Type:        ledger.EventPurchaseSettled,
		UserID:      readerID,
		ReferenceID: reference.String(),
		Amount:      chapter.Price.Int64(),
		Attributes: map[string]string{
			metadataAuthorID:      chapter.AuthorID.String(),
			metadataChapterID:     chapter.ChapterID,
			metadataStoryID:       chapter.StoryID,
			metadataAuthorShare:   strconv.FormatInt(authorShare.Int64(), 10),
			metadataPlatformShare: strconv.FormatInt(platformShare.Int64(), 10),
		},
	})
	return receipt, nil
}

// HasPurchased reports whether the reader already owns the chapter.
func (service *Service) HasPurchased(ctx context.Context, readerID ledger.UserID, chapterID string) (bool, error) {
	reference, err := ledger.JoinReference(readerID.String(), chapterID)
	if err != nil {
		return false, err
	}
	_, found, err := service.engine.Records().FindEntry(ctx, ledger.EntryPurchaseDebit, reference)
	return found, err
}

// SendTip moves the full tip amount from reader to author. Retrying a tip id replays it.
func (service *Service) SendTip(ctx context.Context, tip Tip) (ledger.Receipt, error) {
	if err := validateTip(tip); err != nil {
		return ledger.Receipt{}, ledger.WrapError(operationTip, "tip", "invalid", err)
	}
	reference, err := ledger.NewReferenceID(tip.TipID)
	if err != nil {
		return ledger.Receipt{}, ledger.WrapError(operationTip, "reference", "invalid", err)
	}
	metadata, err := ledger.MetadataFromFields(map[string]any{
		metadataReason:   "tip",
		metadataAuthorID: tip.AuthorID.String(),
		metadataStoryID:  tip.StoryID,
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	debit, err := ledger.NewPosting(tip.ReaderID, ledger.EntryTipDebit, tip.Amount.Signed().Negated(), reference, metadata)
	if err != nil {
		return ledger.Receipt{}, err
	}
	credit, err := ledger.NewPosting(tip.AuthorID, ledger.EntryTipCredit, tip.Amount.Signed(), reference, metadata)
	if err != nil {
		return ledger.Receipt{}, err
	}
	receipt, err := service.engine.Apply(ctx, ledger.Transaction{
		Operation: operationTip,
		Accounts:  []ledger.UserID{tip.ReaderID, tip.AuthorID},
		Plan:      ledger.StaticPlan(debit.WithStory(tip.StoryID), credit.WithStory(tip.StoryID)),
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	if !receipt.Replayed {
		service.engine.Publish(ctx, ledger.Event{
			Type:        ledger.EventTipSettled,
			UserID:      tip.ReaderID,
			ReferenceID: reference.String(),
			Amount:      tip.Amount.Int64(),
			Attributes:  map[string]string{metadataAuthorID: tip.AuthorID.String(), metadataStoryID: tip.StoryID},
		})
	}
	return receipt, nil
}

func (service *Service) purchasePostings(readerID ledger.UserID, authorID ledger.UserID, chapterID string, storyID string, gross ledger.Coins, reference ledger.ReferenceID) ([]ledger.Posting, error) {
	authorShare, platformShare := service.policy.Split(gross)
	metadata, err := ledger.MetadataFromFields(map[string]any{
		metadataGross:         gross.Int64(),
		metadataAuthorShare:   authorShare.Int64(),
		metadataPlatformShare: platformShare.Int64(),
		metadataAuthorID:      authorID.String(),
		metadataChapterID:     chapterID,
	})
	if err != nil {
		return nil, err
	}
	debit, err := ledger.NewPosting(readerID, ledger.EntryPurchaseDebit, gross.Signed().Negated(), reference, metadata)
	if err != nil {
		return nil, err
	}
	postings := []ledger.Posting{debit.WithStory(storyID)}
	if authorShare == 0 {
		return postings, nil
	}
	credit, err := ledger.NewPosting(authorID, ledger.EntryPurchaseCredit, authorShare.Signed(), reference, metadata)
	if err != nil {
		return nil, err
	}
	return append(postings, credit.WithStory(storyID)), nil
}

// priorPostings rebuilds the postings of an earlier purchase from its debit entry so
// that the engine either replays it or completes a partially written one.
func (service *Service) priorPostings(prior ledger.Entry, readerID ledger.UserID, chapter Chapter, reference ledger.ReferenceID) ([]ledger.Posting, error) {
	if fields, err := prior.Metadata.Fields(); err == nil {
		if stored, ok := fields[metadataAuthorID].(string); ok && stored != "" && stored != chapter.AuthorID.String() {
			return nil, fmt.Errorf("%w: chapter %s was sold by another author", ledger.ErrConflict, chapter.ChapterID)
		}
	}
	authorShare, _ := service.policy.Split(prior.Amount.Abs())
	if stored, ok := prior.Metadata.Int64Field(metadataAuthorShare); ok {
		authorShare = ledger.Coins(stored)
	}
	debit, err := ledger.NewPosting(readerID, ledger.EntryPurchaseDebit, prior.Amount, reference, prior.Metadata)
	if err != nil {
		return nil, err
	}
	postings := []ledger.Posting{debit.WithStory(prior.StoryID)}
	if authorShare <= 0 {
		return postings, nil
	}
	credit, err := ledger.NewPosting(chapter.AuthorID, ledger.EntryPurchaseCredit, authorShare.Signed(), reference, prior.Metadata)
	if err != nil {
		return nil, err
	}
	return append(postings, credit.WithStory(prior.StoryID)), nil
}

func validateChapter(readerID ledger.UserID, chapter Chapter) error {
	switch {
	case readerID.IsZero():
		return ledger.ErrInvalidUserID
	case chapter.AuthorID.IsZero():
		return fmt.Errorf("%w: chapter without author", ledger.ErrInvalidUserID)
	case strings.TrimSpace(chapter.ChapterID) == "":
		return fmt.Errorf("%w: chapter id required", ledger.ErrValidation)
	case !chapter.IsLocked:
		return fmt.Errorf("%w: chapter %s is free", ledger.ErrValidation, chapter.ChapterID)
	case chapter.Price <= 0:
		return fmt.Errorf("%w: chapter %s has no price", ledger.ErrInvalidAmount, chapter.ChapterID)
	case readerID == chapter.AuthorID:
		return fmt.Errorf("%w: authors do not buy their own chapters", ledger.ErrValidation)
	}
	return nil
}

func validateTip(tip Tip) error {
	switch {
	case tip.ReaderID.IsZero() || tip.AuthorID.IsZero():
		return ledger.ErrInvalidUserID
	case strings.TrimSpace(tip.TipID) == "":
		return fmt.Errorf("%w: tip id required", ledger.ErrInvalidReferenceID)
	case tip.Amount <= 0:
		return fmt.Errorf("%w: tip must be positive", ledger.ErrInvalidAmount)
	case tip.ReaderID == tip.AuthorID:
		return fmt.Errorf("%w: self tips are not allowed", ledger.ErrValidation)
	}
	return nil
}
