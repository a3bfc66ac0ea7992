package events

import (
	"math/big"
	"strconv"
	"strings"

	"refi/core/types"
	"refi/crypto"
)

const (
	// TypeMigrationSettled is emitted once per successfully settled plan.
	TypeMigrationSettled = "migration.settled"
	// TypeMigrationAborted is emitted when an execution unit reverts.
	TypeMigrationAborted = "migration.aborted"
	// TypeLegOpened marks a venue advancing temporary liquidity for a step.
	TypeLegOpened = "migration.leg_opened"
	// TypeLegRepaid marks a venue leg being repaid during the unwind.
	TypeLegRepaid = "migration.leg_repaid"
	// TypeCollateralMoved marks one collateral item landing in the target.
	TypeCollateralMoved = "migration.collateral"
	// TypeSweep is emitted for idle-balance recovery transfers.
	TypeSweep = "migration.sweep"
)

type MigrationSettled struct {
	MigrationID     string
	Initiator       crypto.Address
	BaseToken       string
	SettlementTotal *big.Int
	Steps           int
	CollateralItems int
}

func (MigrationSettled) EventType() string { return TypeMigrationSettled }

func (e MigrationSettled) Event() *types.Event {
	return &types.Event{Type: TypeMigrationSettled, Attributes: map[string]string{
		"migrationId":     e.MigrationID,
		"initiator":       e.Initiator.String(),
		"baseToken":       normalizeToken(e.BaseToken),
		"settlementTotal": formatAmount(e.SettlementTotal),
		"steps":           strconv.Itoa(e.Steps),
		"collateralItems": strconv.Itoa(e.CollateralItems),
	}}
}

type MigrationAborted struct {
	MigrationID string
	Initiator   crypto.Address
	Reason      string
}

func (MigrationAborted) EventType() string { return TypeMigrationAborted }

func (e MigrationAborted) Event() *types.Event {
	return &types.Event{Type: TypeMigrationAborted, Attributes: map[string]string{
		"migrationId": e.MigrationID,
		"initiator":   e.Initiator.String(),
		"reason":      e.Reason,
	}}
}

type LegOpened struct {
	MigrationID string
	Step        uint32
	VenueID     string
	MarketID    string
	Method      string
	Amount      *big.Int
	Fee         *big.Int
}

func (LegOpened) EventType() string { return TypeLegOpened }

func (e LegOpened) Event() *types.Event {
	return &types.Event{Type: TypeLegOpened, Attributes: map[string]string{
		"migrationId": e.MigrationID,
		"step":        strconv.FormatUint(uint64(e.Step), 10),
		"venue":       e.VenueID,
		"market":      e.MarketID,
		"method":      e.Method,
		"amount":      formatAmount(e.Amount),
		"fee":         formatAmount(e.Fee),
	}}
}

type LegRepaid struct {
	MigrationID string
	Step        uint32
	VenueID     string
	Owed        *big.Int
}

func (LegRepaid) EventType() string { return TypeLegRepaid }

func (e LegRepaid) Event() *types.Event {
	return &types.Event{Type: TypeLegRepaid, Attributes: map[string]string{
		"migrationId": e.MigrationID,
		"step":        strconv.FormatUint(uint64(e.Step), 10),
		"venue":       e.VenueID,
		"owed":        formatAmount(e.Owed),
	}}
}

type CollateralMoved struct {
	MigrationID string
	Token       string
	Underlying  string
	Moved       *big.Int
	Supplied    *big.Int
}

func (CollateralMoved) EventType() string { return TypeCollateralMoved }

func (e CollateralMoved) Event() *types.Event {
	return &types.Event{Type: TypeCollateralMoved, Attributes: map[string]string{
		"migrationId": e.MigrationID,
		"token":       normalizeToken(e.Token),
		"underlying":  normalizeToken(e.Underlying),
		"moved":       formatAmount(e.Moved),
		"supplied":    formatAmount(e.Supplied),
	}}
}

type SweepExecuted struct {
	Token     string
	Amount    *big.Int
	Recipient crypto.Address
}

func (SweepExecuted) EventType() string { return TypeSweep }

func (e SweepExecuted) Event() *types.Event {
	return &types.Event{Type: TypeSweep, Attributes: map[string]string{
		"token":     normalizeToken(e.Token),
		"amount":    formatAmount(e.Amount),
		"recipient": e.Recipient.String(),
	}}
}

func normalizeToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
