package ledger

import (
	"fmt"
	"strings"
)

// EntryKind classifies a ledger entry.
type EntryKind string

// Entry kinds.
const (
	EntryDeposit                EntryKind = "deposit"
	EntryPurchaseDebit          EntryKind = "purchase_debit"
	EntryPurchaseCredit         EntryKind = "purchase_credit"
	EntryTipDebit               EntryKind = "tip_debit"
	EntryTipCredit              EntryKind = "tip_credit"
	EntryQuestReward            EntryKind = "quest_reward"
	EntryAdminAdjustment        EntryKind = "admin_adjustment"
	EntryWithdrawalHold         EntryKind = "withdrawal_hold"
	EntryWithdrawalRelease      EntryKind = "withdrawal_release"
	EntryWithdrawalRejectRefund EntryKind = "withdrawal_reject_refund"
)

// Direction is the sign an entry kind must carry.
type Direction int

// Directions.
const (
	DirectionEither Direction = iota
	DirectionCredit
	DirectionDebit
)

var entryKindDirections = map[EntryKind]Direction{
	EntryDeposit:                DirectionCredit,
	EntryPurchaseDebit:          DirectionDebit,
	EntryPurchaseCredit:         DirectionCredit,
	EntryTipDebit:               DirectionDebit,
	EntryTipCredit:              DirectionCredit,
	EntryQuestReward:            DirectionCredit,
	EntryAdminAdjustment:        DirectionEither,
	EntryWithdrawalHold:         DirectionDebit,
	EntryWithdrawalRelease:      DirectionCredit,
	EntryWithdrawalRejectRefund: DirectionCredit,
}

// ParseEntryKind validates a stored or user supplied kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.TrimSpace(raw))
	if _, ok := entryKindDirections[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
	return kind, nil
}

// AllEntryKinds lists every known kind in declaration order.
func AllEntryKinds() []EntryKind {
	return []EntryKind{
		EntryDeposit,
		EntryPurchaseDebit,
		EntryPurchaseCredit,
		EntryTipDebit,
		EntryTipCredit,
		EntryQuestReward,
		EntryAdminAdjustment,
		EntryWithdrawalHold,
		EntryWithdrawalRelease,
		EntryWithdrawalRejectRefund,
	}
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// Direction returns the sign rule of the kind.
func (kind EntryKind) Direction() Direction {
	return entryKindDirections[kind]
}
