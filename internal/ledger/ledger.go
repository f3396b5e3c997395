// Package ledger holds the mirrored exchange state: accounts, wallets,
// payment addresses, and deposits, plus the deposit state machine that maps
// upstream events onto ledger statuses.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Status is a deposit's ledger state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusSuccessful Status = "successful"
	StatusOnHold     Status = "on_hold"
	StatusFailedAML  Status = "failed_aml"
	StatusRejected   Status = "rejected"
)

// Settled reports whether the status is one no further transition is
// expected from. Only StatusSuccessful triggers the balance credit.
func (s Status) Settled() bool {
	switch s {
	case StatusSuccessful, StatusOnHold, StatusFailedAML, StatusRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known ledger status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusSuccessful, StatusOnHold, StatusFailedAML, StatusRejected:
		return true
	}
	return false
}

// Upstream deposit event names.
const (
	EventDepositPending      = "deposit.pending"
	EventDepositConfirmation = "deposit.transaction.confirmation"
	EventDepositSuccessful   = "deposit.successful"
	EventDepositOnHold       = "deposit.on_hold"
	EventDepositFailedAML    = "deposit.failed_aml"
	EventDepositRejected     = "deposit.rejected"

	// EventAddressGenerated is the address-generation event; it is handled
	// outside the deposit state machine.
	EventAddressGenerated = "wallet.address.generated"
)

// eventStatus is the fixed, total event-to-status mapping. Every accepted
// deposit event maps to exactly one status.
var eventStatus = map[string]Status{
	EventDepositPending:      StatusPending,
	EventDepositConfirmation: StatusConfirmed,
	EventDepositSuccessful:   StatusSuccessful,
	EventDepositOnHold:       StatusOnHold,
	EventDepositFailedAML:    StatusFailedAML,
	EventDepositRejected:     StatusRejected,
}

var (
	ErrNotFound          = errors.New("ledger: record not found")
	ErrUnknownEvent      = errors.New("ledger: unknown event type")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Transition maps (current status, incoming event) to the next status. It is
// pure. Replaying the event that produced the current status is allowed and
// converges to the same status; any other transition out of a settled status
// is rejected so settled records cannot be corrupted.
func Transition(current Status, event string) (Status, error) {
	next, ok := eventStatus[event]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if current == next {
		// replay of the same event; converges, may re-trigger the outbound leg
		return next, nil
	}
	if current.Settled() {
		return "", fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, current, next, event)
	}
	if current == StatusConfirmed && next == StatusPending {
		return "", fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, current, next, event)
	}
	return next, nil
}

// Account mirrors an upstream exchange account.
type Account struct {
	ID                string
	UpstreamAccountID string
	Email             string
	FirstName         string
	LastName          string
	Reference         string
	CreatedAt         time.Time
}

// Wallet is a per-currency balance bucket owned by an account. Balance is a
// decimal string; arithmetic on it happens in SQL, never in Go floats.
type Wallet struct {
	ID               string
	UpstreamWalletID string
	AccountID        string
	Name             string
	Currency         string
	Balance          string
	Locked           string
	IsCrypto         bool
	DefaultNetwork   string
	DepositAddress   string
	DestinationTag   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PaymentAddress is a generated deposit address mirrored from upstream.
type PaymentAddress struct {
	ID                string
	UpstreamAddressID string
	AccountID         string
	Currency          string
	Network           string
	Address           string
	DestinationTag    string
	CreatedAt         time.Time
}

// Deposit is the ledger entity for one upstream deposit. Rows are created on
// first sighting of the upstream id and never deleted.
type Deposit struct {
	ID                    string
	UpstreamDepositID     string
	AccountID             string
	WalletID              string
	PaymentAddressID      string
	Currency              string
	Network               string
	Amount                string
	Fee                   string
	TxID                  string
	Status                Status
	Confirmations         int
	RequiredConfirmations int
	Credited              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
