package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// Coins is a non-negative coin amount.
type Coins int64

// Int64 returns the raw amount.
func (coins Coins) Int64() int64 {
	return int64(coins)
}

// Signed converts the amount to a signed delta.
func (coins Coins) Signed() SignedCoins {
	return SignedCoins(coins)
}

// SignedCoins is the signed balance change carried by an entry.
type SignedCoins int64

// Int64 returns the raw amount.
func (amount SignedCoins) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount SignedCoins) Negated() SignedCoins {
	return -amount
}

// Abs returns the magnitude as Coins.
func (amount SignedCoins) Abs() Coins {
	if amount < 0 {
		return Coins(-amount)
	}
	return Coins(amount)
}

// NewCoins validates a non-negative amount.
func NewCoins(raw int64) (Coins, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Coins(raw), nil
}

// NewPositiveCoins validates a strictly positive amount.
func NewPositiveCoins(raw int64) (Coins, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Coins(raw), nil
}

// UserID identifies an account owner. Accounts are keyed by user id.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// EntryID identifies a committed ledger entry.
type EntryID struct {
	value string
}

// NewEntryID validates an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// ReferenceID ties an entry back to the request that produced it. Together with the
// entry kind it forms the idempotency key.
type ReferenceID struct {
	value string
}

// NewReferenceID validates and normalizes a reference id.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceID{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	return ReferenceID{value: trimmed}, nil
}

// JoinReference builds a composite reference such as reader:chapter.
func JoinReference(parts ...string) (ReferenceID, error) {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			return ReferenceID{}, fmt.Errorf("%w: empty reference segment", ErrInvalidReferenceID)
		}
		normalized = append(normalized, trimmed)
	}
	return NewReferenceID(strings.Join(normalized, referenceDelimiter))
}

// String returns the normalized reference.
func (id ReferenceID) String() string {
	return id.value
}

// Day is a UTC calendar day used for quest windows and revenue buckets.
type Day struct {
	value string
}

// NewDay validates a yyyy-mm-dd day.
func NewDay(raw string) (Day, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse(dayLayout, trimmed)
	if err != nil {
		return Day{}, fmt.Errorf("%w: %q", ErrInvalidDay, raw)
	}
	return Day{value: parsed.Format(dayLayout)}, nil
}

// DayOf returns the UTC day containing the unix timestamp.
func DayOf(unixUTC int64) Day {
	return Day{value: time.Unix(unixUTC, 0).UTC().Format(dayLayout)}
}

// String returns the yyyy-mm-dd form.
func (day Day) String() string {
	return day.value
}

// IsZero reports whether the day was never set.
func (day Day) IsZero() bool {
	return day.value == ""
}

// After reports whether day falls later than other.
func (day Day) After(other Day) bool {
	return day.value > other.value
}

// MetadataJSON stores the human-readable reason/note attached to an entry as a JSON object.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromFields encodes a flat set of fields.
func MetadataFromFields(fields map[string]any) (MetadataJSON, error) {
	if len(fields) == 0 {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Fields decodes the metadata object.
func (metadata MetadataJSON) Fields() (map[string]any, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return fields, nil
}

// Int64Field reads an integral metadata field.
func (metadata MetadataJSON) Int64Field(name string) (int64, bool) {
	fields, err := metadata.Fields()
	if err != nil {
		return 0, false
	}
	number, ok := fields[name].(float64)
	if !ok {
		return 0, false
	}
	return int64(number), true
}

// Account is the balance record of one user.
type Account struct {
	UserID  UserID
	Balance Coins
	Version int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        EntryID
	AccountID      UserID
	Kind           EntryKind
	Amount         SignedCoins
	ReferenceID    ReferenceID
	StoryID        string
	EffectiveDay   Day
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Posting is a requested balance change; it becomes an Entry once committed.
type Posting struct {
	AccountID    UserID
	Kind         EntryKind
	Amount       SignedCoins
	ReferenceID  ReferenceID
	StoryID      string
	EffectiveDay Day
	Metadata     MetadataJSON
}

// NewPosting validates a posting against the sign rules of its kind.
func NewPosting(accountID UserID, kind EntryKind, amount SignedCoins, referenceID ReferenceID, metadata MetadataJSON) (Posting, error) {
	posting := Posting{
		AccountID:   accountID,
		Kind:        kind,
		Amount:      amount,
		ReferenceID: referenceID,
		Metadata:    metadata,
	}
	if err := posting.validate(); err != nil {
		return Posting{}, err
	}
	return posting, nil
}

// WithStory attributes the posting to a story for revenue reporting.
func (posting Posting) WithStory(storyID string) Posting {
	posting.StoryID = strings.TrimSpace(storyID)
	return posting
}

// WithEffectiveDay overrides the day the posting counts towards.
func (posting Posting) WithEffectiveDay(day Day) Posting {
	posting.EffectiveDay = day
	return posting
}

func (posting Posting) validate() error {
	if posting.AccountID.IsZero() {
		return fmt.Errorf("%w: posting without account", ErrInvalidUserID)
	}
	if posting.ReferenceID.String() == "" {
		return fmt.Errorf("%w: posting without reference", ErrInvalidReferenceID)
	}
	if _, err := ParseEntryKind(posting.Kind.String()); err != nil {
		return err
	}
	if posting.Amount == 0 {
		return fmt.Errorf("%w: zero posting", ErrInvalidAmount)
	}
	switch posting.Kind.Direction() {
	case DirectionCredit:
		if posting.Amount < 0 {
			return fmt.Errorf("%w: %s must be a credit", ErrInvalidAmount, posting.Kind)
		}
	case DirectionDebit:
		if posting.Amount > 0 {
			return fmt.Errorf("%w: %s must be a debit", ErrInvalidAmount, posting.Kind)
		}
	}
	return nil
}

type postingKey struct {
	kind      EntryKind
	reference string
}

func (posting Posting) key() postingKey {
	return postingKey{kind: posting.Kind, reference: posting.ReferenceID.String()}
}

// Receipt is the result of an applied (or replayed) transaction.
type Receipt struct {
	Operation string
	Entries   []Entry
	Replayed  bool
	Resumed   bool
}

// EntryFor returns the receipt entry of the given kind.
func (receipt Receipt) EntryFor(kind EntryKind) (Entry, bool) {
	for _, entry := range receipt.Entries {
		if entry.Kind == kind {
			return entry, true
		}
	}
	return Entry{}, false
}

// Actor is the authenticated caller supplied by the identity provider.
type Actor struct {
	UserID UserID
	Roles  []string
}

// HasRole reports whether the actor carries role, ignoring case and padding.
func (actor Actor) HasRole(role string) bool {
	for _, candidate := range actor.Roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor may run admin-only operations.
func (actor Actor) IsAdmin() bool {
	return actor.HasRole(RoleAdmin)
}

// RequireAdmin fails with ErrForbidden for non-admin actors.
func RequireAdmin(actor Actor) error {
	if actor.UserID.IsZero() || !actor.IsAdmin() {
		return WrapError("authz", "actor", "forbidden", ErrForbidden)
	}
	return nil
}

// RequireQuestGranter fails with ErrForbidden unless the actor is the quest service or an admin.
func RequireQuestGranter(actor Actor) error {
	if actor.UserID.IsZero() || !(actor.HasRole(RoleQuestService) || actor.IsAdmin()) {
		return WrapError("authz", "actor", "forbidden", ErrForbidden)
	}
	return nil
}

// Reconciliation compares the stored balance with the balance derived from the log.
type Reconciliation struct {
	UserID        UserID
	StoredBalance Coins
	LogBalance    SignedCoins
	Version       int64
}

// Drift is stored minus derived balance.
func (reconciliation Reconciliation) Drift() int64 {
	return reconciliation.StoredBalance.Int64() - reconciliation.LogBalance.Int64()
}

// Consistent reports whether the account store matches the log.
func (reconciliation Reconciliation) Consistent() bool {
	return reconciliation.Drift() == 0
}
