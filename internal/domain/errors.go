package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrForbidden            = errors.New("forbidden")
	ErrAuctionNotActive     = errors.New("auction is not accepting bids")
	ErrBidTooLow            = errors.New("bid below minimum increment")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrStaleBid             = errors.New("auction price changed before bid was applied")
	ErrTimeout              = errors.New("timed out waiting for auction")
	ErrAlreadyHighestBidder = errors.New("bidder already holds the highest bid")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidAuction       = errors.New("invalid auction parameters")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrBuyNowUnavailable    = errors.New("buy-now not available")
	ErrConflict             = errors.New("concurrent modification")
	ErrLockHeld             = errors.New("lock already held")
)

// Error codes returned to clients.
const (
	CodeNotFound             = "NotFound"
	CodeAlreadyExists        = "AlreadyExists"
	CodeRateLimited          = "RateLimited"
	CodeUnauthenticated      = "Unauthenticated"
	CodeForbidden            = "Forbidden"
	CodeAuctionNotActive     = "AuctionNotActive"
	CodeBidTooLow            = "BidTooLow"
	CodeInsufficientFunds    = "InsufficientFunds"
	CodeStaleBid             = "StaleBid"
	CodeTimeout              = "Timeout"
	CodeAlreadyHighestBidder = "AlreadyHighestBidder"
	CodeInvalidAmount        = "InvalidAmount"
	CodeInvalidRequest       = "InvalidRequest"
	CodeBuyNowUnavailable    = "BuyNowUnavailable"
	CodeConflict             = "Conflict"
	CodeInternal             = "Internal"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrAlreadyExists, CodeAlreadyExists},
	{ErrRateLimited, CodeRateLimited},
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrForbidden, CodeForbidden},
	{ErrAuctionNotActive, CodeAuctionNotActive},
	{ErrBidTooLow, CodeBidTooLow},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrStaleBid, CodeStaleBid},
	{ErrTimeout, CodeTimeout},
	{ErrLockHeld, CodeTimeout},
	{ErrAlreadyHighestBidder, CodeAlreadyHighestBidder},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrInvalidAuction, CodeInvalidRequest},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrBuyNowUnavailable, CodeBuyNowUnavailable},
	{ErrConflict, CodeConflict},
}

// ErrorCode maps err onto the client-facing error taxonomy. Unknown errors
// are reported as Internal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
