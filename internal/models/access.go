package models

// AccessState is the derived access decision for a learner.
type AccessState string

// Possible access states.
const (
	AccessStateActive     AccessState = "active"
	AccessStateRestricted AccessState = "restricted"
	AccessStateExpired    AccessState = "expired"
)

// Restriction reasons.
const (
	AccessReasonOverdueInstallment = "overdue_installment"
	AccessReasonPaymentPending     = "payment_pending"
)

// Restriction scopes. When the overdue policy does not block everything,
// existing content stays reachable and only new content is gated.
const (
	AccessScopeAll        = "all"
	AccessScopeNewContent = "new_content"
)

// AccessStatus is derived from enrollment, schedule and ledger state.
// It is never persisted as a source of truth.
type AccessStatus struct {
	State  AccessState `json:"state"`
	Reason string      `json:"reason,omitempty"`
	Scope  string      `json:"scope,omitempty"`
}
