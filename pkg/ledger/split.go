package ledger

import "fmt"

// DefaultAuthorPercent is the author share of a chapter purchase.
const DefaultAuthorPercent = 70

// SplitPolicy divides a purchase price between author and platform using integer arithmetic.
type SplitPolicy struct {
	authorPercent int64
}

// NewSplitPolicy validates the author percentage.
func NewSplitPolicy(authorPercent int64) (SplitPolicy, error) {
	if authorPercent < 0 || authorPercent > 100 {
		return SplitPolicy{}, fmt.Errorf("%w: author percent %d out of range", ErrInvalidServiceConfig, authorPercent)
	}
	return SplitPolicy{authorPercent: authorPercent}, nil
}

// DefaultSplitPolicy is the 70/30 split.
func DefaultSplitPolicy() SplitPolicy {
	return SplitPolicy{authorPercent: DefaultAuthorPercent}
}

// AuthorPercent returns the configured percentage.
func (policy SplitPolicy) AuthorPercent() int64 {
	return policy.authorPercent
}

// Split returns floor(gross*percent/100) for the author and the remainder for the platform.
func (policy SplitPolicy) Split(gross Coins) (Coins, Coins) {
	author := Coins(int64(gross) / 100 * policy.authorPercent)
	author += Coins(int64(gross) % 100 * policy.authorPercent / 100)
	return author, gross - author
}
