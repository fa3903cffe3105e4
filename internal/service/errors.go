package service

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrCampaignClosed         = errors.New("campaign is not collecting")
	ErrCampaignExpired        = errors.New("campaign has expired")
	ErrInvalidAddress         = errors.New("address does not belong to participant")
	ErrDuplicateParticipation = errors.New("participant already has a live order in campaign")
	ErrQuantityOutOfRange     = errors.New("quantity out of range")
	ErrForbidden              = errors.New("forbidden")
	ErrAlreadyCancelled       = errors.New("order already cancelled")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrHasPaidOrders          = errors.New("campaign has paid orders")
	ErrReasonRequired         = errors.New("reason required")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInternal               = errors.New("internal error")
)

// Стабильные коды ошибок
const (
	CodeNotFound               = "NOT_FOUND"
	CodeCampaignClosed         = "CAMPAIGN_CLOSED"
	CodeCampaignExpired        = "CAMPAIGN_EXPIRED"
	CodeInvalidAddress         = "INVALID_ADDRESS"
	CodeDuplicateParticipation = "DUPLICATE_PARTICIPATION"
	CodeQuantityOutOfRange     = "QUANTITY_OUT_OF_RANGE"
	CodeForbidden              = "FORBIDDEN"
	CodeAlreadyCancelled       = "ALREADY_CANCELLED"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeHasPaidOrders          = "HAS_PAID_ORDERS"
	CodeReasonRequired         = "REASON_REQUIRED"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeInternal               = "INTERNAL_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrCampaignClosed, CodeCampaignClosed},
	{ErrCampaignExpired, CodeCampaignExpired},
	{ErrInvalidAddress, CodeInvalidAddress},
	{ErrDuplicateParticipation, CodeDuplicateParticipation},
	{ErrQuantityOutOfRange, CodeQuantityOutOfRange},
	{ErrForbidden, CodeForbidden},
	{ErrAlreadyCancelled, CodeAlreadyCancelled},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrHasPaidOrders, CodeHasPaidOrders},
	{ErrReasonRequired, CodeReasonRequired},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrInternal, CodeInternal},
}

// Code returns the machine-readable code of an engine error. Unknown errors are internal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// known reports whether err already belongs to the engine taxonomy.
func known(err error) bool {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return true
		}
	}
	return false
}
