package state

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"refi/crypto"
	"refi/native/migration"
)

var migrationConfigKey = ethcrypto.Keccak256([]byte("migration-config"))

// migrationConfigRecord is the stored form of the orchestrator configuration
// so a reopened node can rebuild its engines without the genesis file.
type migrationConfigRecord struct {
	SweepRecipient     []byte
	AcceptedCollateral []string
	MaxPlanSteps       uint32
}

// PutMigrationConfig persists the orchestrator configuration.
func (l *Ledger) PutMigrationConfig(cfg migration.Config) error {
	if cfg.SweepRecipient.IsZero() {
		return fmt.Errorf("state: migration config requires a sweep recipient")
	}
	record := migrationConfigRecord{
		SweepRecipient:     cfg.SweepRecipient.Bytes(),
		AcceptedCollateral: append([]string(nil), cfg.AcceptedCollateral...),
		MaxPlanSteps:       uint32(cfg.MaxPlanSteps),
	}
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return err
	}
	l.write(migrationConfigKey, encoded)
	return nil
}

// GetMigrationConfig loads the stored orchestrator configuration, nil when
// the node has never been seeded.
func (l *Ledger) GetMigrationConfig() (*migration.Config, error) {
	data, ok, err := l.read(migrationConfigKey)
	if err != nil || !ok {
		return nil, err
	}
	record := new(migrationConfigRecord)
	if err := rlp.DecodeBytes(data, record); err != nil {
		return nil, err
	}
	recipient, err := crypto.NewAddress(record.SweepRecipient)
	if err != nil {
		return nil, fmt.Errorf("state: migration config: %w", err)
	}
	return &migration.Config{
		SweepRecipient:     recipient,
		AcceptedCollateral: append([]string(nil), record.AcceptedCollateral...),
		MaxPlanSteps:       int(record.MaxPlanSteps),
	}, nil
}
