package migration

import (
	"errors"
	"fmt"
)

var (
	errNilState         = errors.New("migration engine: state not configured")
	errNotConfigured    = errors.New("migration engine: target not configured")
	errNoSweepRecipient = errors.New("migration engine: sweep recipient required")
)

var (
	// ErrReentrancy is returned when the guard is engaged at entry or sweep,
	// or idle at a callback.
	ErrReentrancy = errors.New("migration engine: reentrancy")
	// ErrUnauthorizedCallback is returned when a callback arrives from an
	// address other than the recorded venue, or with a step context that does
	// not match the pending record.
	ErrUnauthorizedCallback = errors.New("migration engine: unauthorized callback")
	// ErrSourceMarket is the sentinel SourceMarketError unwraps to.
	ErrSourceMarket = errors.New("migration engine: source market failure")
	// ErrCollateralTransfer is returned when collateral cannot be moved or
	// wrapped on its way into the target protocol.
	ErrCollateralTransfer = errors.New("migration engine: collateral transfer failed")
	// ErrSweep is returned when an idle-balance sweep finds nothing to move
	// or the transfer fails.
	ErrSweep = errors.New("migration engine: sweep failed")
	// ErrTargetProtocol is the sentinel TargetProtocolError unwraps to.
	ErrTargetProtocol = errors.New("migration engine: target protocol failure")
	// ErrInvalidPlan is returned for plans that fail entry validation.
	ErrInvalidPlan = errors.New("migration engine: invalid plan")
)

// Operations markets and the target can reject with a business code.
const (
	OpRepay  = "repay"
	OpRedeem = "redeem"
	OpSupply = "supply"
	OpBorrow = "borrow"
)

// SourceMarketError carries the numeric failure code a source market reported
// for a repay or redeem, with the step it happened on. Redeem failures use
// the collateral item's ordinal as the step.
type SourceMarketError struct {
	Step     uint32
	Op       string
	MarketID string
	Code     uint32
}

func (e *SourceMarketError) Error() string {
	return fmt.Sprintf("migration engine: step %d: %s on market %s rejected with code %d", e.Step, e.Op, e.MarketID, e.Code)
}

func (e *SourceMarketError) Unwrap() error { return ErrSourceMarket }

// TargetProtocolError carries the numeric failure code the target protocol
// reported for a supply or borrow.
type TargetProtocolError struct {
	Op   string
	Code uint32
}

func (e *TargetProtocolError) Error() string {
	return fmt.Sprintf("migration engine: target %s rejected with code %d", e.Op, e.Code)
}

func (e *TargetProtocolError) Unwrap() error { return ErrTargetProtocol }
