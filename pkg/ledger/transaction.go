package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Plan produces the postings of a transaction. It runs inside the storage
// transaction after every account in Transaction.Accounts is locked, so reads
// through records observe a stable view of those accounts.
type Plan func(ctx context.Context, records Records) ([]Posting, error)

// StaticPlan returns a plan with a fixed set of postings.
func StaticPlan(postings ...Posting) Plan {
	return func(context.Context, Records) ([]Posting, error) {
		return postings, nil
	}
}

// Transaction is a group of postings applied atomically.
type Transaction struct {
	Operation string
	Accounts  []UserID
	Plan      Plan
}

func (transaction Transaction) validate() error {
	if strings.TrimSpace(transaction.Operation) == "" {
		return fmt.Errorf("%w: missing operation", ErrInvalidTransaction)
	}
	if len(transaction.Accounts) == 0 {
		return fmt.Errorf("%w: no accounts", ErrInvalidTransaction)
	}
	for _, accountID := range transaction.Accounts {
		if accountID.IsZero() {
			return fmt.Errorf("%w: empty account", ErrInvalidTransaction)
		}
	}
	if transaction.Plan == nil {
		return fmt.Errorf("%w: missing plan", ErrInvalidTransaction)
	}
	return nil
}

// lockOrder returns the distinct accounts sorted ascending.
func lockOrder(accounts []UserID) []UserID {
	seen := make(map[UserID]struct{}, len(accounts))
	ordered := make([]UserID, 0, len(accounts))
	for _, accountID := range accounts {
		if _, ok := seen[accountID]; ok {
			continue
		}
		seen[accountID] = struct{}{}
		ordered = append(ordered, accountID)
	}
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].String() < ordered[right].String()
	})
	return ordered
}

func validatePostings(postings []Posting, locked map[UserID]Account) error {
	seen := make(map[postingKey]struct{}, len(postings))
	for _, posting := range postings {
		if err := posting.validate(); err != nil {
			return err
		}
		if _, ok := locked[posting.AccountID]; !ok {
			return fmt.Errorf("%w: posting for unlocked account %s", ErrInvalidTransaction, posting.AccountID)
		}
		key := posting.key()
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: repeated %s reference %s", ErrInvalidTransaction, posting.Kind, posting.ReferenceID)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func samePosting(entry Entry, posting Posting) bool {
	return entry.AccountID == posting.AccountID && entry.Amount == posting.Amount
}
