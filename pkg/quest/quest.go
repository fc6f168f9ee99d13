// Package quest grants engagement rewards under a per-user daily cap.
package quest

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	operationGrant = "grant_quest_reward"

	// DefaultDailyCap is the most quest coins one user can earn per UTC day.
	DefaultDailyCap = ledger.Coins(50)

	// Known quest identifiers. Other non-empty ids are accepted as well.
	QuestCheckin = "checkin"
	QuestComment = "comment"
	QuestRead    = "read"
)

// Grant describes the outcome of a reward request.
type Grant struct {
	QuestID   string
	Day       ledger.Day
	Requested ledger.Coins
	Granted   ledger.Coins
	Replayed  bool
	Receipt   ledger.Receipt
}

// Progress is a user's standing against the cap on one day.
type Progress struct {
	Day       ledger.Day
	Earned    ledger.Coins
	Cap       ledger.Coins
	Remaining ledger.Coins
}

// Limiter clamps quest rewards to the remaining daily allowance.
type Limiter struct {
	engine   *ledger.Service
	dailyCap ledger.Coins
}

// NewLimiter wires the limiter; a zero cap selects DefaultDailyCap.
func NewLimiter(engine *ledger.Service, dailyCap ledger.Coins) (*Limiter, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: ledger engine is nil", ledger.ErrInvalidServiceConfig)
	}
	if dailyCap < 0 {
		return nil, fmt.Errorf("%w: negative daily cap", ledger.ErrInvalidServiceConfig)
	}
	if dailyCap == 0 {
		dailyCap = DefaultDailyCap
	}
	return &Limiter{engine: engine, dailyCap: dailyCap}, nil
}

// DailyCap returns the configured cap.
func (limiter *Limiter) DailyCap() ledger.Coins {
	return limiter.dailyCap
}

// GrantReward credits min(amount, cap - earned on day). Future days are rejected. The earned total is read under
// the account lock, so concurrent grants for the same user never exceed the cap. A zero
// grant writes nothing; repeating a quest on the same day returns the earlier grant.
func (limiter *Limiter) GrantReward(ctx context.Context, userID ledger.UserID, questID string, amount ledger.Coins, day ledger.Day) (Grant, error) {
	questID = strings.TrimSpace(questID)
	if userID.IsZero() {
		return Grant{}, ledger.WrapError(operationGrant, "user", "invalid", ledger.ErrInvalidUserID)
	}
	if questID == "" {
		return Grant{}, ledger.WrapError(operationGrant, "quest", "invalid", fmt.Errorf("%w: quest id required", ledger.ErrValidation))
	}
	if amount <= 0 {
		return Grant{}, ledger.WrapError(operationGrant, "amount", "invalid", ledger.ErrInvalidAmount)
	}
	today := ledger.DayOf(limiter.engine.Now())
	if day.IsZero() {
		day = today
	}
	if day.After(today) {
		return Grant{}, ledger.WrapError(operationGrant, "day", "invalid", fmt.Errorf("%w: %s is in the future", ledger.ErrInvalidDay, day))
	}
	reference, err := ledger.JoinReference(userID.String(), questID, day.String())
	if err != nil {
		return Grant{}, ledger.WrapError(operationGrant, "reference", "invalid", err)
	}
	grant := Grant{QuestID: questID, Day: day, Requested: amount}
	plan := func(ctx context.Context, records ledger.Records) ([]ledger.Posting, error) {
		prior, found, err := records.FindEntry(ctx, ledger.EntryQuestReward, reference)
		if err != nil {
			return nil, err
		}
		if found {
			grant.Granted = prior.Amount.Abs()
			return []ledger.Posting{{
				AccountID:    prior.AccountID,
				Kind:         prior.Kind,
				Amount:       prior.Amount,
				ReferenceID:  prior.ReferenceID,
				EffectiveDay: prior.EffectiveDay,
				Metadata:     prior.Metadata,
			}}, nil
		}
		earned, err := records.SumEntries(ctx, userID, ledger.EntryQuestReward, day)
		if err != nil {
			return nil, err
		}
		remaining := limiter.dailyCap.Signed() - earned
		if remaining <= 0 {
			return nil, nil
		}
		granted := amount
		if granted.Signed() > remaining {
			granted = remaining.Abs()
		}
		grant.Granted = granted
		metadata, err := ledger.MetadataFromFields(map[string]any{
			"reason":    "quest",
			"quest_id":  questID,
			"requested": amount.Int64(),
		})
		if err != nil {
			return nil, err
		}
		posting, err := ledger.NewPosting(userID, ledger.EntryQuestReward, granted.Signed(), reference, metadata)
		if err != nil {
			return nil, err
		}
		return []ledger.Posting{posting.WithEffectiveDay(day)}, nil
	}
	receipt, err := limiter.engine.Apply(ctx, ledger.Transaction{
		Operation: operationGrant,
		Accounts:  []ledger.UserID{userID},
		Plan:      plan,
	})
	if err != nil {
		return Grant{}, err
	}
	grant.Receipt = receipt
	grant.Replayed = receipt.Replayed
	if grant.Granted > 0 && !receipt.Replayed {
		limiter.engine.Publish(ctx, ledger.Event{
			Type:        ledger.EventQuestRewarded,
			UserID:      userID,
			ReferenceID: reference.String(),
			Amount:      grant.Granted.Int64(),
			Attributes:  map[string]string{"quest_id": questID, "day": day.String()},
		})
	}
	return grant, nil
}

// Progress reports how much of the cap the user has consumed on day.
func (limiter *Limiter) Progress(ctx context.Context, userID ledger.UserID, day ledger.Day) (Progress, error) {
	if day.IsZero() {
		day = ledger.DayOf(limiter.engine.Now())
	}
	earned, err := limiter.engine.Records().SumEntries(ctx, userID, ledger.EntryQuestReward, day)
	if err != nil {
		return Progress{}, err
	}
	progress := Progress{Day: day, Earned: earned.Abs(), Cap: limiter.dailyCap}
	if progress.Earned < progress.Cap {
		progress.Remaining = progress.Cap - progress.Earned
	}
	return progress, nil
}
