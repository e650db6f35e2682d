package domain

import "errors"

var (
	ErrProductNotFound      = errors.New("product_not_found")
	ErrPlanNotFound         = errors.New("plan_not_found")
	ErrCustomerNotFound     = errors.New("customer_not_found")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrPaymentNotFound      = errors.New("payment_not_found")

	ErrInvalidInterval       = errors.New("invalid_interval")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrSubscriptionCanceled  = errors.New("subscription_canceled")
	ErrOrderNotDue           = errors.New("order_not_due")
	ErrOrderAlreadyPaid      = errors.New("order_already_paid")
	ErrMissingPaymentDetails = errors.New("missing_payment_details")
)
