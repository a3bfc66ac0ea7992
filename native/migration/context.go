package migration

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

// stepContext is the continuation value threaded through each suspension
// boundary. It crosses the venue in RLP form and is re-validated field by
// field against the engine's own pending record when the venue re-enters; a
// venue can delay or drop it, but not alter what the engine will accept.
type stepContext struct {
	MigrationID     [16]byte
	Initiator       []byte
	Step            uint32
	SettlementTotal *big.Int
	PlanHash        [32]byte
}

func encodeStepContext(ctx *stepContext) ([]byte, error) {
	return rlp.EncodeToBytes(ctx)
}

func decodeStepContext(data []byte) (*stepContext, error) {
	ctx := new(stepContext)
	if err := rlp.DecodeBytes(data, ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// matches compares a decoded context against the engine's pending record.
func (c *stepContext) matches(other *stepContext) error {
	if other == nil {
		return errors.New("step context missing")
	}
	if c.MigrationID != other.MigrationID {
		return errors.New("migration id mismatch")
	}
	if !bytes.Equal(c.Initiator, other.Initiator) {
		return errors.New("initiator mismatch")
	}
	if c.Step != other.Step {
		return fmt.Errorf("step %d does not match pending step %d", other.Step, c.Step)
	}
	if other.SettlementTotal == nil || c.SettlementTotal.Cmp(other.SettlementTotal) != 0 {
		return errors.New("settlement total mismatch")
	}
	if c.PlanHash != other.PlanHash {
		return errors.New("plan hash mismatch")
	}
	return nil
}

type planSourceWire struct {
	MarketID string
	Mode     string
	Value    *big.Int
	VenueID  string
	Method   string
}

type planCollateralWire struct {
	Token string
	Mode  string
	Value *big.Int
}

type planWire struct {
	Initiator  []byte
	BaseToken  string
	Sources    []planSourceWire
	Collateral []planCollateralWire
}

// hashPlan derives the digest binding a continuation to the exact plan that
// spawned it. Any change to the plan yields a different hash, so a context
// from one plan can never authorize a step of another.
func hashPlan(plan *Plan) ([32]byte, error) {
	wire := planWire{
		Initiator: plan.Initiator.Bytes(),
		BaseToken: plan.BaseToken,
	}
	for _, src := range plan.Sources {
		wire.Sources = append(wire.Sources, planSourceWire{
			MarketID: src.MarketID,
			Mode:     string(src.Amount.Mode),
			Value:    src.Amount.Value,
			VenueID:  src.VenueID,
			Method:   string(src.Method),
		})
	}
	for _, item := range plan.Collateral {
		wire.Collateral = append(wire.Collateral, planCollateralWire{
			Token: item.Token,
			Mode:  string(item.Amount.Mode),
			Value: item.Amount.Value,
		})
	}
	encoded, err := rlp.EncodeToBytes(&wire)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(encoded), nil
}
