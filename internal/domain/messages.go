package domain

// Message catalog keys. Each key is also the English rendering, formatted
// with fmt verbs. The i18n package registers translations for every key.
const (
	MsgInternal         = "An unexpected error occurred. Please try again."
	MsgValidation       = "Please correct the highlighted fields."
	MsgResourceNotFound = "%s %s not found"

	MsgEmptyOrder         = "Order must contain at least one item"
	MsgProductNotFound    = "Product %s not found"
	MsgInsufficientStock  = "Only %d of %s left in stock"
	MsgOrderNotFound      = "Order not found"
	MsgPaymentNotVerified = "Payment could not be verified"
	MsgPaymentAmount      = "Payment amount does not match order total"
	MsgPaymentReplayed    = "Payment has already been used for another order"
	MsgUnknownStatus      = "Unknown order status %q"
	MsgIllegalTransition  = "Cannot change order status from %s to %s"
	MsgForbidden          = "You do not have permission to perform this action"
	MsgUnauthorized       = "Please sign in to continue"
	MsgInvalidCredentials = "Invalid email or password"
	MsgTooManyRequests    = "Too many requests. Please slow down."
	MsgRequestTooLarge    = "Request body too large"
)

// AllMessages lists every catalog key for translation registration.
var AllMessages = []string{
	MsgInternal,
	MsgValidation,
	MsgResourceNotFound,
	MsgEmptyOrder,
	MsgProductNotFound,
	MsgInsufficientStock,
	MsgOrderNotFound,
	MsgPaymentNotVerified,
	MsgPaymentAmount,
	MsgPaymentReplayed,
	MsgUnknownStatus,
	MsgIllegalTransition,
	MsgForbidden,
	MsgUnauthorized,
	MsgInvalidCredentials,
	MsgTooManyRequests,
	MsgRequestTooLarge,
}
