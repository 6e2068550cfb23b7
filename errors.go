package main

import "errors"

var (
	ErrInvalidAddressFormat = errors.New("invalid lightning address format")
	ErrProfileFetchFailed   = errors.New("lightning address profile fetch failed")
	ErrNostrZapsUnsupported = errors.New("lightning address does not support nostr zaps")
	ErrSigningFailed        = errors.New("signing zap request failed")
	ErrInvoiceRequestFailed = errors.New("invoice request failed")
	ErrNoPaymentRequest     = errors.New("no payment request in callback response")
	ErrRelayConnectFailed   = errors.New("relay connection failed")
	ErrMalformedReceipt     = errors.New("malformed zap receipt")
	ErrVerificationExpired  = errors.New("invoice expired, create a new one")
	ErrPaymentInProgress    = errors.New("payment already in progress")
	ErrStaleAttempt         = errors.New("payment attempt was reset")
	ErrNodePaymentFailed    = errors.New("paying invoice from node failed")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidAddressFormat, "InvalidAddressFormat"},
	{ErrProfileFetchFailed, "ProfileFetchFailed"},
	{ErrNostrZapsUnsupported, "NostrZapsUnsupported"},
	{ErrSigningFailed, "SigningFailed"},
	{ErrInvoiceRequestFailed, "InvoiceRequestFailed"},
	{ErrNoPaymentRequest, "NoPaymentRequest"},
	{ErrRelayConnectFailed, "RelayConnectionFailed"},
	{ErrMalformedReceipt, "MalformedReceipt"},
	{ErrVerificationExpired, "VerificationExpired"},
	{ErrPaymentInProgress, "PaymentInProgress"},
	{ErrStaleAttempt, "StaleAttempt"},
	{ErrNodePaymentFailed, "NodePaymentFailed"},
}

// errorKind maps an error to the stable name exposed by the API.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, errorKind := range errorKinds {
		if errors.Is(err, errorKind.err) {
			return errorKind.kind
		}
	}
	return "Unknown"
}
