package archive

import (
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"refi/native/migration"
)

// ExportFiles references the CSV and Parquet artefacts produced by one export.
type ExportFiles struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

// Export materialises the supplied receipts as a CSV/Parquet pair under dir,
// one row per receipt. Venue legs are rolled up into base-token totals;
// collateral tokens are joined into a single column.
func Export(dir string, receipts []*migration.Receipt) (*ExportFiles, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("archive: export directory required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create export dir: %w", err)
	}
	base := fmt.Sprintf("receipts_%s", time.Now().UTC().Format("20060102T150405Z"))
	csvPath := filepath.Join(trimmed, base+".csv")
	if err := writeReceiptCSV(csvPath, receipts); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(trimmed, base+".parquet")
	if err := writeReceiptParquet(parquetPath, receipts); err != nil {
		return nil, err
	}
	return &ExportFiles{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(receipts)}, nil
}

type exportRow struct {
	migrationID      string
	initiator        string
	baseToken        string
	status           string
	failureReason    string
	legs             int
	repaidTotal      *big.Int
	feeTotal         *big.Int
	settlementTotal  *big.Int
	collateralItems  int
	collateralTokens string
	timestamp        string
}

func flattenReceipt(receipt *migration.Receipt) exportRow {
	row := exportRow{
		migrationID:     receipt.MigrationID,
		initiator:       receipt.Initiator.String(),
		baseToken:       receipt.BaseToken,
		status:          receipt.Status,
		failureReason:   receipt.FailureReason,
		legs:            len(receipt.Steps),
		repaidTotal:     new(big.Int),
		feeTotal:        new(big.Int),
		settlementTotal: receipt.SettlementTotal,
		collateralItems: len(receipt.Collateral),
		timestamp:       receipt.Timestamp.UTC().Format(time.RFC3339),
	}
	for _, leg := range receipt.Steps {
		if leg.Repaid != nil {
			row.repaidTotal.Add(row.repaidTotal, leg.Repaid)
		}
		if leg.Fee != nil {
			row.feeTotal.Add(row.feeTotal, leg.Fee)
		}
	}
	tokens := make([]string, 0, len(receipt.Collateral))
	for _, item := range receipt.Collateral {
		tokens = append(tokens, item.Token)
	}
	row.collateralTokens = strings.Join(tokens, ",")
	return row
}

func writeReceiptCSV(path string, receipts []*migration.Receipt) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: create csv: %w", err)
	}
	defer file.Close()
	out := csv.NewWriter(file)
	header := []string{
		"migration_id", "initiator", "base_token", "status", "failure_reason",
		"legs", "repaid_total", "fee_total", "settlement_total",
		"collateral_items", "collateral_tokens", "timestamp",
	}
	if err := out.Write(header); err != nil {
		return fmt.Errorf("archive: write csv header: %w", err)
	}
	for _, receipt := range receipts {
		row := flattenReceipt(receipt)
		record := []string{
			row.migrationID,
			row.initiator,
			row.baseToken,
			row.status,
			row.failureReason,
			fmt.Sprintf("%d", row.legs),
			bigString(row.repaidTotal),
			bigString(row.feeTotal),
			bigString(row.settlementTotal),
			fmt.Sprintf("%d", row.collateralItems),
			row.collateralTokens,
			row.timestamp,
		}
		if err := out.Write(record); err != nil {
			return fmt.Errorf("archive: write csv row: %w", err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("archive: flush csv: %w", err)
	}
	return nil
}

type parquetReceipt struct {
	MigrationID      string `parquet:"name=migration_id, type=UTF8"`
	Initiator        string `parquet:"name=initiator, type=UTF8"`
	BaseToken        string `parquet:"name=base_token, type=UTF8"`
	Status           string `parquet:"name=status, type=UTF8"`
	FailureReason    string `parquet:"name=failure_reason, type=UTF8"`
	Legs             int32  `parquet:"name=legs, type=INT32"`
	RepaidTotal      string `parquet:"name=repaid_total, type=UTF8"`
	FeeTotal         string `parquet:"name=fee_total, type=UTF8"`
	SettlementTotal  string `parquet:"name=settlement_total, type=UTF8"`
	CollateralItems  int32  `parquet:"name=collateral_items, type=INT32"`
	CollateralTokens string `parquet:"name=collateral_tokens, type=UTF8"`
	Timestamp        string `parquet:"name=timestamp, type=UTF8"`
}

func writeReceiptParquet(path string, receipts []*migration.Receipt) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetReceipt), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("archive: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, receipt := range receipts {
		row := flattenReceipt(receipt)
		pr := &parquetReceipt{
			MigrationID:      row.migrationID,
			Initiator:        row.initiator,
			BaseToken:        row.baseToken,
			Status:           row.status,
			FailureReason:    row.failureReason,
			Legs:             int32(row.legs),
			RepaidTotal:      bigString(row.repaidTotal),
			FeeTotal:         bigString(row.feeTotal),
			SettlementTotal:  bigString(row.settlementTotal),
			CollateralItems:  int32(row.collateralItems),
			CollateralTokens: row.collateralTokens,
			Timestamp:        row.timestamp,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("archive: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("archive: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("archive: close parquet file: %w", err)
	}
	return nil
}
