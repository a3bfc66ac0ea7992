package modules

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"refi/core"
	"refi/crypto"
	nativecommon "refi/native/common"
	"refi/native/migration"
	"refi/native/venue"
)

// MigrationModule exposes the orchestrator over RPC. Plans arrive as JSON
// with bech32 addresses and decimal-string amounts; receipts go back the
// same way.
type MigrationModule struct {
	node *core.Node
}

func NewMigrationModule(node *core.Node) *MigrationModule {
	return &MigrationModule{node: node}
}

// AmountParam is the wire form of an amount request. Either a literal decimal
// value, or mode "currentBalance" with no value.
type AmountParam struct {
	Mode  string `json:"mode,omitempty"`
	Value string `json:"value,omitempty"`
}

type SourceParam struct {
	Market string      `json:"market"`
	Venue  string      `json:"venue"`
	Method string      `json:"method"`
	Amount AmountParam `json:"amount"`
}

type CollateralParam struct {
	Token  string      `json:"token"`
	Amount AmountParam `json:"amount"`
}

type PlanParam struct {
	Initiator  string            `json:"initiator"`
	BaseToken  string            `json:"baseToken"`
	Sources    []SourceParam     `json:"sources"`
	Collateral []CollateralParam `json:"collateral"`
}

type StepResult struct {
	Step   uint32 `json:"step"`
	Market string `json:"market"`
	Venue  string `json:"venue"`
	Method string `json:"method"`
	Repaid string `json:"repaid"`
	Fee    string `json:"fee"`
	Owed   string `json:"owed"`
}

type CollateralResult struct {
	Token      string `json:"token"`
	Underlying string `json:"underlying"`
	Moved      string `json:"moved"`
	Supplied   string `json:"supplied"`
}

type ReceiptResult struct {
	MigrationID     string             `json:"migrationId"`
	Initiator       string             `json:"initiator"`
	BaseToken       string             `json:"baseToken"`
	Steps           []StepResult       `json:"steps"`
	Collateral      []CollateralResult `json:"collateral"`
	SettlementTotal string             `json:"settlementTotal"`
	Status          string             `json:"status"`
	FailureReason   string             `json:"failureReason,omitempty"`
	Timestamp       int64              `json:"timestamp"`
}

type StepPreviewResult struct {
	Step   uint32 `json:"step"`
	Market string `json:"market"`
	Venue  string `json:"venue"`
	Method string `json:"method"`
	Repay  string `json:"repay"`
	Fee    string `json:"fee"`
	Owed   string `json:"owed"`
}

type CollateralPreviewResult struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type PreviewResult struct {
	Steps           []StepPreviewResult       `json:"steps"`
	Collateral      []CollateralPreviewResult `json:"collateral"`
	SettlementTotal string                    `json:"settlementTotal"`
}

type SweepResult struct {
	Token string `json:"token"`
	Swept string `json:"swept"`
}

type InfoResult struct {
	ModuleAddress      string   `json:"moduleAddress"`
	SweepRecipient     string   `json:"sweepRecipient"`
	AcceptedCollateral []string `json:"acceptedCollateral"`
	MaxPlanSteps       int      `json:"maxPlanSteps"`
	Markets            []string `json:"markets"`
	Venues             []string `json:"venues"`
}

func (m *MigrationModule) moduleUnavailable() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "migration module not available"}
}

// Execute runs the plan as one execution unit. Aborted runs still produce a
// receipt; it rides along in the error data so callers can inspect which leg
// failed.
func (m *MigrationModule) Execute(param PlanParam) (*ReceiptResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	plan, modErr := param.toPlan()
	if modErr != nil {
		return nil, modErr
	}
	receipt, err := m.node.ExecuteMigration(plan)
	if err != nil {
		wrapped := wrapEngineError(err)
		if receipt != nil {
			wrapped.Data = receiptResult(receipt)
		}
		return nil, wrapped
	}
	result := receiptResult(receipt)
	return &result, nil
}

// Preview prices the plan against live state without moving funds.
func (m *MigrationModule) Preview(param PlanParam) (*PreviewResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	plan, modErr := param.toPlan()
	if modErr != nil {
		return nil, modErr
	}
	preview, err := m.node.PreviewMigration(plan)
	if err != nil {
		return nil, wrapEngineError(err)
	}
	steps := make([]StepPreviewResult, 0, len(preview.Steps))
	for _, step := range preview.Steps {
		steps = append(steps, StepPreviewResult{
			Step:   step.Step,
			Market: step.MarketID,
			Venue:  step.VenueID,
			Method: step.Method,
			Repay:  bigString(step.Repay),
			Fee:    bigString(step.Fee),
			Owed:   bigString(step.Owed),
		})
	}
	collateral := make([]CollateralPreviewResult, 0, len(preview.Collateral))
	for _, item := range preview.Collateral {
		collateral = append(collateral, CollateralPreviewResult{
			Token:  item.Token,
			Amount: bigString(item.Amount),
		})
	}
	return &PreviewResult{
		Steps:           steps,
		Collateral:      collateral,
		SettlementTotal: bigString(preview.SettlementTotal),
	}, nil
}

// Sweep forwards a stranded module balance to the recovery address. Anyone
// may call it; the destination is fixed, so there is nothing to gain.
func (m *MigrationModule) Sweep(token string) (*SweepResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "token symbol required"}
	}
	swept, err := m.node.Sweep(trimmed)
	if err != nil {
		return nil, wrapEngineError(err)
	}
	return &SweepResult{Token: trimmed, Swept: bigString(swept)}, nil
}

// Info reports the orchestrator's fixed wiring and the configured directory.
func (m *MigrationModule) Info() (*InfoResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	info, err := m.node.Migration()
	if err != nil {
		return nil, wrapEngineError(err)
	}
	return &InfoResult{
		ModuleAddress:      info.ModuleAddress.String(),
		SweepRecipient:     info.SweepRecipient.String(),
		AcceptedCollateral: info.AcceptedCollateral,
		MaxPlanSteps:       info.MaxPlanSteps,
		Markets:            info.Markets,
		Venues:             info.Venues,
	}, nil
}

func (p PlanParam) toPlan() (*migration.Plan, *ModuleError) {
	initiator, err := crypto.DecodeAddress(strings.TrimSpace(p.Initiator))
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "invalid initiator address", Data: err.Error()}
	}
	plan := &migration.Plan{
		Initiator: initiator,
		BaseToken: strings.TrimSpace(p.BaseToken),
	}
	for i, source := range p.Sources {
		amount, modErr := source.Amount.toSpec()
		if modErr != nil {
			return nil, modErr
		}
		method := venue.Method(strings.TrimSpace(source.Method))
		if !method.Valid() {
			return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: fmt.Sprintf("source %d: unknown method %q", i, source.Method)}
		}
		plan.Sources = append(plan.Sources, migration.BorrowSource{
			MarketID: strings.TrimSpace(source.Market),
			VenueID:  strings.TrimSpace(source.Venue),
			Method:   method,
			Amount:   amount,
		})
	}
	for _, item := range p.Collateral {
		amount, modErr := item.Amount.toSpec()
		if modErr != nil {
			return nil, modErr
		}
		plan.Collateral = append(plan.Collateral, migration.CollateralItem{
			Token:  strings.TrimSpace(item.Token),
			Amount: amount,
		})
	}
	return plan, nil
}

func (a AmountParam) toSpec() (migration.AmountSpec, *ModuleError) {
	mode := strings.TrimSpace(a.Mode)
	value := strings.TrimSpace(a.Value)
	switch mode {
	case "", string(migration.AmountExact):
		if value == "" {
			return migration.AmountSpec{}, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "amount value required"}
		}
		parsed, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return migration.AmountSpec{}, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "invalid amount value " + value}
		}
		return migration.ExactAmount(parsed), nil
	case string(migration.AmountCurrentBalance):
		if value != "" {
			return migration.AmountSpec{}, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "currentBalance amount must not carry a value"}
		}
		return migration.CurrentBalance(), nil
	default:
		return migration.AmountSpec{}, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "unknown amount mode " + mode}
	}
}

func receiptResult(receipt *migration.Receipt) ReceiptResult {
	result := ReceiptResult{
		MigrationID:     receipt.MigrationID,
		Initiator:       receipt.Initiator.String(),
		BaseToken:       receipt.BaseToken,
		SettlementTotal: bigString(receipt.SettlementTotal),
		Status:          receipt.Status,
		FailureReason:   receipt.FailureReason,
		Timestamp:       receipt.Timestamp.Unix(),
	}
	for _, step := range receipt.Steps {
		result.Steps = append(result.Steps, StepResult{
			Step:   step.Step,
			Market: step.MarketID,
			Venue:  step.VenueID,
			Method: step.Method,
			Repaid: bigString(step.Repaid),
			Fee:    bigString(step.Fee),
			Owed:   bigString(step.Owed),
		})
	}
	for _, item := range receipt.Collateral {
		result.Collateral = append(result.Collateral, CollateralResult{
			Token:      item.Token,
			Underlying: item.Underlying,
			Moved:      bigString(item.Moved),
			Supplied:   bigString(item.Supplied),
		})
	}
	return result
}

// wrapEngineError maps orchestrator failures onto HTTP semantics. Bad plans
// are the caller's fault; business rejections from markets, venues, and the
// target are state conflicts; everything else is a server fault.
func wrapEngineError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	code := codeServerError
	var data interface{}

	var sourceErr *migration.SourceMarketError
	var targetErr *migration.TargetProtocolError
	switch {
	case errors.As(err, &sourceErr):
		status = http.StatusConflict
		data = map[string]interface{}{
			"step":   sourceErr.Step,
			"op":     sourceErr.Op,
			"market": sourceErr.MarketID,
			"code":   sourceErr.Code,
		}
	case errors.As(err, &targetErr):
		status = http.StatusConflict
		data = map[string]interface{}{
			"op":   targetErr.Op,
			"code": targetErr.Code,
		}
	case errors.Is(err, migration.ErrInvalidPlan):
		status = http.StatusBadRequest
		code = codeInvalidParams
	case errors.Is(err, migration.ErrReentrancy):
		status = http.StatusConflict
	case errors.Is(err, migration.ErrUnauthorizedCallback):
		status = http.StatusForbidden
	case errors.Is(err, migration.ErrCollateralTransfer):
		status = http.StatusConflict
	case errors.Is(err, migration.ErrSweep):
		status = http.StatusConflict
	case errors.Is(err, venue.ErrInsufficientReserve):
		status = http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusServiceUnavailable
	}
	return &ModuleError{HTTPStatus: status, Code: code, Message: err.Error(), Data: data}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
