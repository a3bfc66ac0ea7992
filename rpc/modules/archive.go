package modules

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"refi/native/migration"
	"refi/storage/archive"
)

// ReceiptReader is the slice of the archive store the RPC surface needs.
type ReceiptReader interface {
	GetReceipt(ctx context.Context, migrationID string) (*migration.Receipt, error)
	ListReceipts(ctx context.Context, limit int) ([]*migration.Receipt, error)
}

// ArchiveModule serves historical receipts from the SQLite archive. The
// archive is optional; without one every method reports it as disabled.
type ArchiveModule struct {
	store     ReceiptReader
	exportDir string
}

func NewArchiveModule(store ReceiptReader, exportDir string) *ArchiveModule {
	return &ArchiveModule{store: store, exportDir: strings.TrimSpace(exportDir)}
}

const maxReceiptPage = 500

func (m *ArchiveModule) archiveDisabled() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusNotFound, Code: codeServerError, Message: "receipt archive not enabled"}
}

func (m *ArchiveModule) Receipt(ctx context.Context, migrationID string) (*ReceiptResult, *ModuleError) {
	if m == nil || m.store == nil {
		return nil, m.archiveDisabled()
	}
	id := strings.TrimSpace(migrationID)
	if id == "" {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "migration id required"}
	}
	receipt, err := m.store.GetReceipt(ctx, id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, &ModuleError{HTTPStatus: http.StatusNotFound, Code: codeInvalidParams, Message: err.Error()}
		}
		return nil, &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	}
	result := receiptResult(receipt)
	return &result, nil
}

func (m *ArchiveModule) Receipts(ctx context.Context, limit int) ([]ReceiptResult, *ModuleError) {
	if m == nil || m.store == nil {
		return nil, m.archiveDisabled()
	}
	if limit <= 0 || limit > maxReceiptPage {
		limit = maxReceiptPage
	}
	receipts, err := m.store.ListReceipts(ctx, limit)
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	}
	results := make([]ReceiptResult, 0, len(receipts))
	for _, receipt := range receipts {
		results = append(results, receiptResult(receipt))
	}
	return results, nil
}

// ExportResult names the artefacts a server-side export produced.
type ExportResult struct {
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
	Count       int    `json:"count"`
}

// Export materialises the newest receipts as a CSV/Parquet pair in the
// configured export directory.
func (m *ArchiveModule) Export(ctx context.Context) (*ExportResult, *ModuleError) {
	if m == nil || m.store == nil {
		return nil, m.archiveDisabled()
	}
	if m.exportDir == "" {
		return nil, &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: "receipt export directory not configured"}
	}
	receipts, err := m.store.ListReceipts(ctx, maxReceiptPage)
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	}
	files, err := archive.Export(m.exportDir, receipts)
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	}
	return &ExportResult{CSVPath: files.CSVPath, ParquetPath: files.ParquetPath, Count: files.Count}, nil
}
