package domain

// PaymentStatus is the payment lifecycle state machine. Transitions are not
// enforced here; guards live in the providers and services driving them.
type PaymentStatus string

const (
	// PaymentStatusWaiting is the initial state: the row exists, no user
	// interaction has happened yet.
	PaymentStatusWaiting PaymentStatus = "waiting"
	// PaymentStatusInput means the provider is collecting payment details.
	PaymentStatusInput PaymentStatus = "input"
	// PaymentStatusPending means the attempt was submitted and awaits
	// asynchronous confirmation.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPreauth means funds are reserved but not captured.
	PaymentStatusPreauth PaymentStatus = "preauth"
	// PaymentStatusDeferred means the attempt awaits manual review before
	// it may confirm (SEPA risk check).
	PaymentStatusDeferred PaymentStatus = "deferred"

	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusRejected  PaymentStatus = "rejected"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusError     PaymentStatus = "error"
	PaymentStatusCanceled  PaymentStatus = "canceled"
)

// InFlightStatuses are the statuses in which a payment still counts as the
// single open attempt for its (order, variant) pair.
var InFlightStatuses = []PaymentStatus{
	PaymentStatusWaiting,
	PaymentStatusInput,
	PaymentStatusPending,
}

func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusConfirmed,
		PaymentStatusRejected,
		PaymentStatusRefunded,
		PaymentStatusError,
		PaymentStatusCanceled:
		return true
	}
	return false
}

func (s PaymentStatus) IsFailure() bool {
	switch s {
	case PaymentStatusRejected, PaymentStatusRefunded, PaymentStatusError:
		return true
	}
	return false
}
