package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"refi/crypto"
	"refi/native/migration"
)

// Store persists migration receipts outside ledger state. Receipts are
// append-only: settled and aborted runs alike land here for reconciliation,
// and nothing in the store ever feeds back into the ledger.
type Store struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("archive: storage path must be configured")

	// ErrNotFound is returned when no receipt exists for a migration id.
	ErrNotFound = errors.New("archive: receipt not found")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertReceipt persists a receipt together with its venue legs and collateral
// items. The migration id is the primary key, so replaying the same receipt
// fails rather than silently overwriting history.
func (s *Store) InsertReceipt(ctx context.Context, receipt *migration.Receipt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("archive not configured")
	}
	if receipt == nil {
		return fmt.Errorf("receipt required")
	}
	id := strings.TrimSpace(receipt.MigrationID)
	if id == "" {
		return fmt.Errorf("migration id required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO migration_receipts(migration_id, initiator, base_token, settlement_total, status, failure_reason, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
    `, id, receipt.Initiator.String(), receipt.BaseToken, bigString(receipt.SettlementTotal), receipt.Status, receipt.FailureReason, receipt.Timestamp.UTC()); err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	for _, leg := range receipt.Steps {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO migration_legs(migration_id, step, market_id, venue_id, method, repaid, fee, owed)
            VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        `, id, int64(leg.Step), leg.MarketID, leg.VenueID, leg.Method, bigString(leg.Repaid), bigString(leg.Fee), bigString(leg.Owed)); err != nil {
			return fmt.Errorf("insert leg %d: %w", leg.Step, err)
		}
	}
	for i, item := range receipt.Collateral {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO migration_collateral(migration_id, position, token, underlying, moved, supplied)
            VALUES(?, ?, ?, ?, ?, ?)
        `, id, i, item.Token, item.Underlying, bigString(item.Moved), bigString(item.Supplied)); err != nil {
			return fmt.Errorf("insert collateral %s: %w", item.Token, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// GetReceipt loads a receipt by migration id.
func (s *Store) GetReceipt(ctx context.Context, migrationID string) (*migration.Receipt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	id := strings.TrimSpace(migrationID)
	if id == "" {
		return nil, fmt.Errorf("migration id required")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT initiator, base_token, settlement_total, status, failure_reason, created_at
        FROM migration_receipts
        WHERE migration_id = ?
    `, id)
	var (
		initiator string
		total     string
		receipt   = &migration.Receipt{MigrationID: id}
	)
	if err := row.Scan(&initiator, &receipt.BaseToken, &total, &receipt.Status, &receipt.FailureReason, &receipt.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("query receipt: %w", err)
	}
	addr, err := crypto.DecodeAddress(initiator)
	if err != nil {
		return nil, fmt.Errorf("decode initiator: %w", err)
	}
	receipt.Initiator = addr
	if receipt.SettlementTotal, err = parseAmount(total); err != nil {
		return nil, fmt.Errorf("settlement total: %w", err)
	}
	if receipt.Steps, err = s.loadLegs(ctx, id); err != nil {
		return nil, err
	}
	if receipt.Collateral, err = s.loadCollateral(ctx, id); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *Store) loadLegs(ctx context.Context, id string) ([]migration.StepReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT step, market_id, venue_id, method, repaid, fee, owed
        FROM migration_legs
        WHERE migration_id = ?
        ORDER BY step ASC
    `, id)
	if err != nil {
		return nil, fmt.Errorf("query legs: %w", err)
	}
	defer rows.Close()
	legs := make([]migration.StepReceipt, 0)
	for rows.Next() {
		var leg migration.StepReceipt
		var step int64
		var repaid, fee, owed string
		if err := rows.Scan(&step, &leg.MarketID, &leg.VenueID, &leg.Method, &repaid, &fee, &owed); err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		leg.Step = uint32(step)
		if leg.Repaid, err = parseAmount(repaid); err != nil {
			return nil, fmt.Errorf("leg %d repaid: %w", step, err)
		}
		if leg.Fee, err = parseAmount(fee); err != nil {
			return nil, fmt.Errorf("leg %d fee: %w", step, err)
		}
		if leg.Owed, err = parseAmount(owed); err != nil {
			return nil, fmt.Errorf("leg %d owed: %w", step, err)
		}
		legs = append(legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legs: %w", err)
	}
	return legs, nil
}

func (s *Store) loadCollateral(ctx context.Context, id string) ([]migration.CollateralReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT token, underlying, moved, supplied
        FROM migration_collateral
        WHERE migration_id = ?
        ORDER BY position ASC
    `, id)
	if err != nil {
		return nil, fmt.Errorf("query collateral: %w", err)
	}
	defer rows.Close()
	items := make([]migration.CollateralReceipt, 0)
	for rows.Next() {
		var item migration.CollateralReceipt
		var moved, supplied string
		if err := rows.Scan(&item.Token, &item.Underlying, &moved, &supplied); err != nil {
			return nil, fmt.Errorf("scan collateral: %w", err)
		}
		if item.Moved, err = parseAmount(moved); err != nil {
			return nil, fmt.Errorf("collateral %s moved: %w", item.Token, err)
		}
		if item.Supplied, err = parseAmount(supplied); err != nil {
			return nil, fmt.Errorf("collateral %s supplied: %w", item.Token, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collateral: %w", err)
	}
	return items, nil
}

// ListReceipts returns the most recent receipts, newest first. A non-positive
// limit falls back to 50; the hard cap is 500 per call.
func (s *Store) ListReceipts(ctx context.Context, limit int) ([]*migration.Receipt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("archive not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT migration_id
        FROM migration_receipts
        ORDER BY created_at DESC, migration_id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan receipt id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	receipts := make([]*migration.Receipt, 0, len(ids))
	for _, id := range ids {
		receipt, err := s.GetReceipt(ctx, id)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// PruneBefore removes receipts recorded before the cutoff, returning how many
// were deleted.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("archive not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()
	when := cutoff.UTC()
	if _, err := tx.ExecContext(ctx, `
        DELETE FROM migration_legs
        WHERE migration_id IN (SELECT migration_id FROM migration_receipts WHERE created_at < ?)
    `, when); err != nil {
		return 0, fmt.Errorf("prune legs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        DELETE FROM migration_collateral
        WHERE migration_id IN (SELECT migration_id FROM migration_receipts WHERE created_at < ?)
    `, when); err != nil {
		return 0, fmt.Errorf("prune collateral: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
        DELETE FROM migration_receipts
        WHERE created_at < ?
    `, when)
	if err != nil {
		return 0, fmt.Errorf("prune receipts: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return removed, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", raw)
	}
	return v, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS migration_receipts (
    migration_id TEXT PRIMARY KEY,
    initiator TEXT NOT NULL,
    base_token TEXT NOT NULL,
    settlement_total TEXT NOT NULL,
    status TEXT NOT NULL,
    failure_reason TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_migration_receipts_created ON migration_receipts(created_at);

CREATE TABLE IF NOT EXISTS migration_legs (
    migration_id TEXT NOT NULL,
    step INTEGER NOT NULL,
    market_id TEXT NOT NULL,
    venue_id TEXT NOT NULL,
    method TEXT NOT NULL,
    repaid TEXT NOT NULL,
    fee TEXT NOT NULL,
    owed TEXT NOT NULL,
    PRIMARY KEY (migration_id, step)
);

CREATE TABLE IF NOT EXISTS migration_collateral (
    migration_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    token TEXT NOT NULL,
    underlying TEXT NOT NULL,
    moved TEXT NOT NULL,
    supplied TEXT NOT NULL,
    PRIMARY KEY (migration_id, position)
);
`
