package client

import (
	"errors"
	"fmt"

	"github.com/dougsteed/wdmclient/wire"
)

// Contract errors surface to the caller and are never retried.
var (
	ErrIncorrectState  = errors.New("wdm: incorrect state")
	ErrInvalidArgument = errors.New("wdm: invalid argument")
)

// Wire and parse errors terminate the subscription; a retry follows if the
// resubscribe policy is enabled.
var (
	ErrInvalidMessageType      = errors.New("wdm: unexpected message type")
	ErrInvalidTLVElement       = errors.New("wdm: invalid tlv element")
	ErrMalformedUpdateResponse = errors.New("wdm: malformed update response")
	ErrSchemaMismatch          = errors.New("wdm: schema mismatch")
	ErrSubscriptionCanceled    = errors.New("wdm: subscription canceled by publisher")
)

// Transport errors terminate the subscription; a retry follows if enabled.
var (
	ErrTimeout           = errors.New("wdm: timeout")
	ErrConnectionAborted = errors.New("wdm: connection aborted")
)

// Update-engine errors.
var (
	// ErrVersionMismatch reports that a conditional update's required
	// version no longer matches the sink. Surfaced per path; does not by
	// itself terminate the subscription.
	ErrVersionMismatch = errors.New("wdm: mismatched update required version")

	// ErrPotentialDataLoss forces a resync after a notification overlapped
	// in-flight update paths.
	ErrPotentialDataLoss = errors.New("wdm: potential data loss")

	// ErrNoMemory reports pool or store exhaustion.
	ErrNoMemory = errors.New("wdm: out of memory")
)

// StatusError wraps a peer status report that ended an exchange.
type StatusError struct {
	Report *wire.StatusReport
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("wdm: status report received: profile %#x status %#x", e.Report.Profile, e.Report.Status)
}

// IsStatusError extracts a StatusError from an error chain.
func IsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
