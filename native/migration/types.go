package migration

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"refi/crypto"
	"refi/native/venue"
)

// AmountMode selects how an amount request resolves.
type AmountMode string

const (
	// AmountExact uses the literal value carried by the spec.
	AmountExact AmountMode = "exact"
	// AmountCurrentBalance resolves against the live balance or debt at the
	// instant the owning step executes, never earlier.
	AmountCurrentBalance AmountMode = "currentBalance"
)

// AmountSpec is an explicit amount request. The mode replaces the legacy
// convention of a reserved maximum literal meaning "use the live balance",
// which could collide with a genuine amount.
type AmountSpec struct {
	Mode  AmountMode
	Value *big.Int
}

// ExactAmount builds a literal amount request.
func ExactAmount(value *big.Int) AmountSpec {
	return AmountSpec{Mode: AmountExact, Value: value}
}

// CurrentBalance builds a live-balance amount request.
func CurrentBalance() AmountSpec {
	return AmountSpec{Mode: AmountCurrentBalance}
}

// Validate checks that mode and value are coherent.
func (a AmountSpec) Validate() error {
	switch a.Mode {
	case AmountExact:
		if a.Value == nil || a.Value.Sign() <= 0 {
			return errors.New("exact amount must be positive")
		}
	case AmountCurrentBalance:
		if a.Value != nil {
			return errors.New("currentBalance carries no literal value")
		}
	default:
		return fmt.Errorf("unknown amount mode %q", a.Mode)
	}
	return nil
}

// BorrowSource names one debt position to extinguish: the market holding the
// debt, how much to repay, and the venue advancing the temporary liquidity.
type BorrowSource struct {
	MarketID string
	Amount   AmountSpec
	VenueID  string
	Method   venue.Method
}

// CollateralItem names one receipt token to move into the target protocol.
type CollateralItem struct {
	Token  string
	Amount AmountSpec
}

// Plan is the caller-supplied migration request. It is validated once at
// entry and never mutated; sources execute strictly in order.
type Plan struct {
	Initiator  crypto.Address
	Sources    []BorrowSource
	Collateral []CollateralItem
	BaseToken  string
}

// Receipt statuses.
const (
	StatusSettled = "settled"
	StatusAborted = "aborted"
)

// StepReceipt records one executed venue leg.
type StepReceipt struct {
	Step     uint32
	MarketID string
	VenueID  string
	Method   string
	Repaid   *big.Int
	Fee      *big.Int
	Owed     *big.Int
}

// CollateralReceipt records one collateral item landed in the target.
type CollateralReceipt struct {
	Token      string
	Underlying string
	Moved      *big.Int
	Supplied   *big.Int
}

// Receipt is the observable outcome of one execution unit. Aborted receipts
// keep the steps recorded before the failure for diagnostics; the ledger
// itself holds no trace of them.
type Receipt struct {
	MigrationID     string
	Initiator       crypto.Address
	BaseToken       string
	Steps           []StepReceipt
	Collateral      []CollateralReceipt
	SettlementTotal *big.Int
	Status          string
	FailureReason   string
	Timestamp       time.Time
}

// StepPreview is the read-only projection of one venue leg.
type StepPreview struct {
	Step     uint32
	MarketID string
	VenueID  string
	Method   string
	Repay    *big.Int
	Fee      *big.Int
	Owed     *big.Int
}

// CollateralPreview is the read-only projection of one collateral item.
type CollateralPreview struct {
	Token  string
	Amount *big.Int
}

// Preview resolves a plan against live state without moving funds.
type Preview struct {
	Steps           []StepPreview
	Collateral      []CollateralPreview
	SettlementTotal *big.Int
}
