package ledger

const (
	operationApply     = "apply"
	operationAdjust    = "adjust_balance"
	operationPublish   = "publish"
	operationReconcile = "reconcile"

	operationStatusOK       = "ok"
	operationStatusReplayed = "replayed"
	operationStatusError    = "error"

	referenceDelimiter = ":"

	// RoleAdmin is the identity role allowed to resolve requests and adjust balances.
	RoleAdmin = "admin"
	// RoleQuestService is the identity role of the service that grants quest rewards.
	RoleQuestService = "quest_service"

	// DefaultListLimit caps entry listings when callers pass no limit.
	DefaultListLimit = 100
	// MaxListLimit is the hard upper bound for entry listings.
	MaxListLimit = 500

	metadataKeyReason = "reason"
	metadataKeyActor  = "actor"
)
