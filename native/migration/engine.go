// Package migration implements the settlement orchestrator: a multi-step,
// re-entrant, flash-liquidity-funded state machine that moves a user's
// leveraged position from legacy markets into the target protocol within one
// execution unit. Temporary liquidity is acquired per step from a venue that
// synchronously re-enters the engine before its own call returns; the engine
// repays source debt inside the callback, settles collateral and the borrow
// after the last step, then each frame repays its own venue leg on the way
// back out. A ledger snapshot taken at entry guarantees that a failure at any
// nesting depth leaves no trace.
package migration

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"refi/core/events"
	"refi/crypto"
	nativecommon "refi/native/common"
	"refi/native/venue"
)

const (
	moduleName = "migration"
	sweepName  = "sweep"

	defaultMaxPlanSteps = 8

	codeOK uint32 = 0
)

type engineState interface {
	Snapshot() int
	RevertToSnapshot(id int)
	HasToken(symbol string) (bool, error)
	IsNativeToken(symbol string) (bool, error)
	BalanceOf(addr crypto.Address, token string) (*big.Int, error)
	Transfer(from, to crypto.Address, token string, amount *big.Int) error
}

// Market is the slice of a source market the orchestrator consumes: live
// debt, repay on the user's behalf, and receipt-token redemption.
type Market interface {
	MarketID() string
	Underlying() (string, error)
	ReceiptToken() (string, error)
	DebtOf(user crypto.Address) (*big.Int, error)
	RepayOnBehalf(user, payer crypto.Address, amount *big.Int) (uint32, error)
	RedeemToUnderlying(holder crypto.Address, amount *big.Int) (*big.Int, uint32, error)
}

// Venue is the slice of a liquidity venue the orchestrator consumes: the two
// advance primitives, pricing, and pair introspection.
type Venue interface {
	VenueID() string
	Address() crypto.Address
	Pair() (string, string, error)
	Quote(method venue.Method, outToken string, outAmount *big.Int) (*big.Int, *big.Int, error)
	FlashLoan(token string, amount *big.Int, receiver venue.Receiver, data []byte) error
	SwapExactOut(outToken string, outAmount *big.Int, receiver venue.Receiver, data []byte) error
}

// Target is the slice of the destination protocol the orchestrator consumes.
type Target interface {
	BaseToken() (string, error)
	SupplyOnBehalf(user, payer crypto.Address, token string, amount *big.Int) (uint32, error)
	BorrowOnBehalf(user, recipient crypto.Address, amount *big.Int) (uint32, error)
}

// Wrapper converts redeemed native balances into the wrapped form the target
// accepts.
type Wrapper interface {
	WrappedToken() string
	Wrap(holder crypto.Address, amount *big.Int) error
}

// Config is the orchestrator's persisted configuration, fixed at
// construction.
type Config struct {
	SweepRecipient     crypto.Address
	AcceptedCollateral []string
	MaxPlanSteps       int
}

// pendingStep records the single outstanding venue re-entry. The callback
// must come from the recorded caller, carry the recorded context, and arrive
// exactly once.
type pendingStep struct {
	step       uint32
	source     BorrowSource
	market     Market
	venue      Venue
	caller     crypto.Address
	underlying string
	resolved   *big.Int
	ctx        *stepContext
	entered    bool
}

// migrationRun is the in-flight execution unit. It exists only between entry
// and return of one Migrate call; nothing of it persists.
type migrationRun struct {
	id      uuid.UUID
	plan    *Plan
	hash    [32]byte
	total   *big.Int
	pending *pendingStep
	receipt *Receipt
	events  []events.Event
	failure error
}

// emit buffers an event until the run's fate is known. Events of an aborted
// run are discarded with its state.
func (r *migrationRun) emit(evt events.Event) {
	r.events = append(r.events, evt)
}

// fail records the first failure so the engine's own error survives the
// venue's wrapping on the way back up the call chain.
func (r *migrationRun) fail(err error) error {
	if r.failure == nil {
		r.failure = err
	}
	return err
}

// Engine is the settlement orchestrator. The guard is its only runtime-
// mutable field outside an active execution unit; everything else is fixed
// at construction or wired once at startup. It is not safe for concurrent
// use beyond the serialization the guard itself enforces.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView

	guard guard

	moduleAddress  crypto.Address
	sweepRecipient crypto.Address
	maxPlanSteps   int
	collateral     map[string]bool

	markets map[string]Market
	venues  map[string]Venue
	target  Target
	wrapper Wrapper

	run *migrationRun
}

// NewEngine constructs an orchestrator with the given fixed configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.SweepRecipient.IsZero() {
		return nil, errNoSweepRecipient
	}
	maxSteps := cfg.MaxPlanSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxPlanSteps
	}
	accepted := make(map[string]bool, len(cfg.AcceptedCollateral))
	for _, token := range cfg.AcceptedCollateral {
		accepted[token] = true
	}
	return &Engine{
		emitter:        events.NoopEmitter{},
		moduleAddress:  crypto.ModuleAddress(moduleName),
		sweepRecipient: cfg.SweepRecipient,
		maxPlanSteps:   maxSteps,
		collateral:     accepted,
		markets:        make(map[string]Market),
		venues:         make(map[string]Venue),
	}, nil
}

// SetState wires the engine to the journaled ledger.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// SetEmitter wires the engine's event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetTarget wires the destination protocol.
func (e *Engine) SetTarget(t Target) {
	if e == nil {
		return
	}
	e.target = t
}

// SetWrapper wires the native-asset wrapper.
func (e *Engine) SetWrapper(w Wrapper) {
	if e == nil {
		return
	}
	e.wrapper = w
}

// RegisterMarket adds a source market to the directory.
func (e *Engine) RegisterMarket(m Market) error {
	if e == nil || m == nil {
		return fmt.Errorf("migration engine: market required")
	}
	id := m.MarketID()
	if id == "" {
		return fmt.Errorf("migration engine: market id required")
	}
	if _, exists := e.markets[id]; exists {
		return fmt.Errorf("migration engine: market %s already registered", id)
	}
	e.markets[id] = m
	return nil
}

// RegisterVenue adds a liquidity venue to the directory.
func (e *Engine) RegisterVenue(v Venue) error {
	if e == nil || v == nil {
		return fmt.Errorf("migration engine: venue required")
	}
	id := v.VenueID()
	if id == "" {
		return fmt.Errorf("migration engine: venue id required")
	}
	if _, exists := e.venues[id]; exists {
		return fmt.Errorf("migration engine: venue %s already registered", id)
	}
	e.venues[id] = v
	return nil
}

// ModuleAddress returns the orchestrator's own account. Advanced liquidity,
// redeemed collateral, and the settlement borrow all pass through it.
func (e *Engine) ModuleAddress() crypto.Address {
	return e.moduleAddress
}

// SweepRecipient returns the fixed recovery address.
func (e *Engine) SweepRecipient() crypto.Address {
	return e.sweepRecipient
}

// AcceptedCollateral returns the configured collateral set in sorted order.
func (e *Engine) AcceptedCollateral() []string {
	tokens := make([]string, 0, len(e.collateral))
	for token := range e.collateral {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// MaxPlanSteps returns the enforced per-plan source limit.
func (e *Engine) MaxPlanSteps() int {
	return e.maxPlanSteps
}

// Migrate runs one plan as a single execution unit: every debt repaid, every
// collateral item moved, and the settlement borrowed, or nothing at all. The
// returned receipt describes the outcome either way; it accompanies a non-nil
// error when the unit aborted.
func (e *Engine) Migrate(plan *Plan) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.target == nil {
		return nil, errNotConfigured
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	release, ok := e.guard.acquire()
	if !ok {
		return nil, fmt.Errorf("%w: migration already in flight", ErrReentrancy)
	}
	defer release()

	if err := e.validatePlan(plan); err != nil {
		return nil, err
	}
	hash, err := hashPlan(plan)
	if err != nil {
		return nil, err
	}

	run := &migrationRun{
		id:    uuid.New(),
		plan:  plan,
		hash:  hash,
		total: big.NewInt(0),
	}
	run.receipt = &Receipt{
		MigrationID:     run.id.String(),
		Initiator:       plan.Initiator,
		BaseToken:       plan.BaseToken,
		SettlementTotal: big.NewInt(0),
	}
	e.run = run
	defer func() { e.run = nil }()

	snapshot := e.state.Snapshot()
	err = e.execute(run)
	receipt := run.receipt
	receipt.Timestamp = time.Now().UTC()
	receipt.SettlementTotal = new(big.Int).Set(run.total)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		if run.failure != nil {
			err = run.failure
		}
		receipt.Status = StatusAborted
		receipt.FailureReason = err.Error()
		e.emitter.Emit(events.MigrationAborted{
			MigrationID: receipt.MigrationID,
			Initiator:   plan.Initiator,
			Reason:      err.Error(),
		})
		return receipt, err
	}
	receipt.Status = StatusSettled
	for _, evt := range run.events {
		e.emitter.Emit(evt)
	}
	e.emitter.Emit(events.MigrationSettled{
		MigrationID:     receipt.MigrationID,
		Initiator:       plan.Initiator,
		BaseToken:       plan.BaseToken,
		SettlementTotal: new(big.Int).Set(run.total),
		Steps:           len(receipt.Steps),
		CollateralItems: len(receipt.Collateral),
	})
	return receipt, nil
}

// execute starts the step chain, or goes straight to settlement for plans
// with no borrow sources.
func (e *Engine) execute(run *migrationRun) error {
	if len(run.plan.Sources) == 0 {
		return e.settle(run)
	}
	return e.acquireLiquidity(run, 0)
}

// acquireLiquidity resolves the repay amount for one step, records the
// expected re-entry, and requests the advance. The venue re-enters
// OnLiquidityCallback before either primitive returns.
func (e *Engine) acquireLiquidity(run *migrationRun, step uint32) error {
	src := run.plan.Sources[step]
	mkt := e.markets[src.MarketID]
	ven := e.venues[src.VenueID]

	resolved, err := e.resolveDebt(mkt, run.plan.Initiator, src.Amount)
	if err != nil {
		return err
	}
	if resolved.Sign() <= 0 {
		return fmt.Errorf("%w: step %d resolves to zero debt", ErrInvalidPlan, step)
	}
	underlying, err := mkt.Underlying()
	if err != nil {
		return err
	}

	ctx := &stepContext{
		MigrationID:     [16]byte(run.id),
		Initiator:       run.plan.Initiator.Bytes(),
		Step:            step,
		SettlementTotal: new(big.Int).Set(run.total),
		PlanHash:        run.hash,
	}
	encoded, err := encodeStepContext(ctx)
	if err != nil {
		return err
	}
	run.pending = &pendingStep{
		step:       step,
		source:     src,
		market:     mkt,
		venue:      ven,
		caller:     ven.Address(),
		underlying: underlying,
		resolved:   resolved,
		ctx:        ctx,
	}

	if src.Method == venue.MethodLoan {
		return ven.FlashLoan(underlying, resolved, e, encoded)
	}
	return ven.SwapExactOut(underlying, resolved, e, encoded)
}

// ReceiverAddress implements venue.Receiver. Advances land in the
// orchestrator's module account.
func (e *Engine) ReceiverAddress() crypto.Address {
	return e.moduleAddress
}

// OnLiquidityCallback implements venue.Receiver: the continuation handler.
// It runs strictly nested inside the engine's own acquisition call, exactly
// once per step, only for the recorded venue. It repays the step's source
// debt, advances the chain or settles, then pays this leg's fee-inclusive
// amount back to the calling venue.
func (e *Engine) OnLiquidityCallback(caller crypto.Address, payload venue.CallbackPayload, data []byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.guard.engaged() || e.run == nil {
		return fmt.Errorf("%w: no migration in flight", ErrReentrancy)
	}
	run := e.run
	pending := run.pending
	if pending == nil || pending.entered {
		return fmt.Errorf("%w: no step awaiting a callback", ErrUnauthorizedCallback)
	}
	if !caller.Equal(pending.caller) {
		return fmt.Errorf("%w: caller %s is not venue %q", ErrUnauthorizedCallback, caller, pending.source.VenueID)
	}
	decoded, err := decodeStepContext(data)
	if err != nil {
		return fmt.Errorf("%w: undecodable step context: %v", ErrUnauthorizedCallback, err)
	}
	if err := pending.ctx.matches(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedCallback, err)
	}
	if err := checkPayload(pending, run.plan.BaseToken, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedCallback, err)
	}
	pending.entered = true

	// The fee-inclusive amount owed back to the venue for this leg, in the
	// base token. The settlement borrow must cover it.
	owed := new(big.Int).Set(payload.Owed)
	run.total.Add(run.total, owed)
	run.emit(events.LegOpened{
		MigrationID: run.receipt.MigrationID,
		Step:        pending.step,
		VenueID:     pending.source.VenueID,
		MarketID:    pending.source.MarketID,
		Method:      string(pending.source.Method),
		Amount:      new(big.Int).Set(pending.resolved),
		Fee:         new(big.Int).Set(payload.Fee),
	})

	code, err := pending.market.RepayOnBehalf(run.plan.Initiator, e.moduleAddress, pending.resolved)
	if err != nil {
		return run.fail(err)
	}
	if code != codeOK {
		return run.fail(&SourceMarketError{
			Step:     pending.step,
			Op:       OpRepay,
			MarketID: pending.source.MarketID,
			Code:     code,
		})
	}
	run.receipt.Steps = append(run.receipt.Steps, StepReceipt{
		Step:     pending.step,
		MarketID: pending.source.MarketID,
		VenueID:  pending.source.VenueID,
		Method:   string(pending.source.Method),
		Repaid:   new(big.Int).Set(pending.resolved),
		Fee:      new(big.Int).Set(payload.Fee),
		Owed:     new(big.Int).Set(owed),
	})

	next := pending.step + 1
	if int(next) < len(run.plan.Sources) {
		if err := e.acquireLiquidity(run, next); err != nil {
			return run.fail(err)
		}
	} else if err := e.settle(run); err != nil {
		return run.fail(err)
	}

	// Unwind: this frame repays only its own leg. Earlier legs are covered
	// by their own frames as the nesting returns.
	if err := e.state.Transfer(e.moduleAddress, caller, payload.OwedToken, owed); err != nil {
		return run.fail(fmt.Errorf("repaying venue leg %d: %w", pending.step, err))
	}
	run.emit(events.LegRepaid{
		MigrationID: run.receipt.MigrationID,
		Step:        pending.step,
		VenueID:     pending.source.VenueID,
		Owed:        new(big.Int).Set(owed),
	})
	return nil
}

// checkPayload verifies the venue's callback payload against the recorded
// step: right method, right tokens, amounts consistent with what was asked.
func checkPayload(pending *pendingStep, base string, payload venue.CallbackPayload) error {
	if payload.Method != pending.source.Method {
		return fmt.Errorf("payload method %q does not match step method %q", payload.Method, pending.source.Method)
	}
	if payload.Token != pending.underlying {
		return fmt.Errorf("payload token %s does not match underlying %s", payload.Token, pending.underlying)
	}
	if payload.Amount == nil || payload.Amount.Cmp(pending.resolved) != 0 {
		return fmt.Errorf("payload amount does not match the resolved repay amount")
	}
	if payload.OwedToken != base {
		return fmt.Errorf("payload owed token %s is not the base token %s", payload.OwedToken, base)
	}
	if payload.Owed == nil || payload.Owed.Sign() <= 0 || payload.Fee == nil || payload.Fee.Sign() < 0 {
		return fmt.Errorf("payload owed amounts malformed")
	}
	if payload.Owed.Cmp(payload.Fee) < 0 {
		return fmt.Errorf("payload owed below its own fee")
	}
	if pending.source.Method == venue.MethodLoan {
		expected := new(big.Int).Add(pending.resolved, payload.Fee)
		if payload.Owed.Cmp(expected) != 0 {
			return fmt.Errorf("loan leg owes %s, expected %s", payload.Owed, expected)
		}
	}
	return nil
}

// settle runs once after the last borrow step: moves every collateral item
// into the target, then borrows the accumulated settlement total back out to
// the orchestrator so the unwind can repay the venue legs.
func (e *Engine) settle(run *migrationRun) error {
	initiator := run.plan.Initiator
	for i, item := range run.plan.Collateral {
		moved, err := e.resolveCollateral(initiator, item)
		if err != nil {
			return err
		}
		if moved.Sign() <= 0 {
			return fmt.Errorf("%w: no %s balance to move", ErrCollateralTransfer, item.Token)
		}
		if err := e.state.Transfer(initiator, e.moduleAddress, item.Token, moved); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCollateralTransfer, item.Token, err)
		}
		mkt, err := e.marketForReceipt(item.Token)
		if err != nil {
			return err
		}
		redeemed, code, err := mkt.RedeemToUnderlying(e.moduleAddress, moved)
		if err != nil {
			return err
		}
		if code != codeOK {
			return &SourceMarketError{
				Step:     uint32(i),
				Op:       OpRedeem,
				MarketID: mkt.MarketID(),
				Code:     code,
			}
		}
		underlying, err := mkt.Underlying()
		if err != nil {
			return err
		}
		native, err := e.state.IsNativeToken(underlying)
		if err != nil {
			return err
		}
		supplyToken, supplied := underlying, redeemed
		if native {
			if e.wrapper == nil {
				return fmt.Errorf("%w: native redemption requires a wrapper", errNotConfigured)
			}
			if err := e.wrapper.Wrap(e.moduleAddress, redeemed); err != nil {
				return fmt.Errorf("%w: wrapping %s: %w", ErrCollateralTransfer, underlying, err)
			}
			supplyToken = e.wrapper.WrappedToken()
		}
		tcode, err := e.target.SupplyOnBehalf(initiator, e.moduleAddress, supplyToken, supplied)
		if err != nil {
			return err
		}
		if tcode != codeOK {
			return &TargetProtocolError{Op: OpSupply, Code: tcode}
		}
		run.receipt.Collateral = append(run.receipt.Collateral, CollateralReceipt{
			Token:      item.Token,
			Underlying: supplyToken,
			Moved:      new(big.Int).Set(moved),
			Supplied:   new(big.Int).Set(supplied),
		})
		run.emit(events.CollateralMoved{
			MigrationID: run.receipt.MigrationID,
			Token:       item.Token,
			Underlying:  supplyToken,
			Moved:       new(big.Int).Set(moved),
			Supplied:    new(big.Int).Set(supplied),
		})
	}
	if run.total.Sign() > 0 {
		code, err := e.target.BorrowOnBehalf(initiator, e.moduleAddress, new(big.Int).Set(run.total))
		if err != nil {
			return err
		}
		if code != codeOK {
			return &TargetProtocolError{Op: OpBorrow, Code: code}
		}
	}
	return nil
}

// Sweep transfers the orchestrator's full balance of one token to the fixed
// recovery recipient. It is permissionless and idle-only; a sweep during a
// live migration would drain funds mid-unit.
func (e *Engine) Sweep(token string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, sweepName); err != nil {
		return nil, err
	}
	release, ok := e.guard.acquire()
	if !ok {
		return nil, fmt.Errorf("%w: migration in flight", ErrReentrancy)
	}
	defer release()

	balance, err := e.state.BalanceOf(e.moduleAddress, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSweep, err)
	}
	if balance.Sign() == 0 {
		return nil, fmt.Errorf("%w: no %s balance held", ErrSweep, token)
	}
	// Transfer debits before it credits; revert on failure so a half-applied
	// move cannot linger in the overlay until the next commit.
	snapshot := e.state.Snapshot()
	if err := e.state.Transfer(e.moduleAddress, e.sweepRecipient, token, balance); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, fmt.Errorf("%w: %w", ErrSweep, err)
	}
	e.emitter.Emit(events.SweepExecuted{
		Token:     token,
		Amount:    new(big.Int).Set(balance),
		Recipient: e.sweepRecipient,
	})
	return balance, nil
}

// Preview validates a plan and resolves its amounts against live state
// without moving funds. It prices each leg with the venue's quote, so the
// projected settlement total matches what an immediate Migrate would owe.
func (e *Engine) Preview(plan *Plan) (*Preview, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.target == nil {
		return nil, errNotConfigured
	}
	release, ok := e.guard.acquire()
	if !ok {
		return nil, fmt.Errorf("%w: migration in flight", ErrReentrancy)
	}
	defer release()

	if err := e.validatePlan(plan); err != nil {
		return nil, err
	}
	preview := &Preview{SettlementTotal: big.NewInt(0)}
	for i, src := range plan.Sources {
		mkt := e.markets[src.MarketID]
		ven := e.venues[src.VenueID]
		resolved, err := e.resolveDebt(mkt, plan.Initiator, src.Amount)
		if err != nil {
			return nil, err
		}
		if resolved.Sign() <= 0 {
			return nil, fmt.Errorf("%w: step %d resolves to zero debt", ErrInvalidPlan, i)
		}
		underlying, err := mkt.Underlying()
		if err != nil {
			return nil, err
		}
		owed, fee, err := ven.Quote(src.Method, underlying, resolved)
		if err != nil {
			return nil, err
		}
		preview.Steps = append(preview.Steps, StepPreview{
			Step:     uint32(i),
			MarketID: src.MarketID,
			VenueID:  src.VenueID,
			Method:   string(src.Method),
			Repay:    resolved,
			Fee:      fee,
			Owed:     owed,
		})
		preview.SettlementTotal.Add(preview.SettlementTotal, owed)
	}
	for _, item := range plan.Collateral {
		amount, err := e.resolveCollateral(plan.Initiator, item)
		if err != nil {
			return nil, err
		}
		preview.Collateral = append(preview.Collateral, CollateralPreview{Token: item.Token, Amount: amount})
	}
	return preview, nil
}

func (e *Engine) resolveDebt(mkt Market, user crypto.Address, amount AmountSpec) (*big.Int, error) {
	if amount.Mode == AmountCurrentBalance {
		return mkt.DebtOf(user)
	}
	return new(big.Int).Set(amount.Value), nil
}

func (e *Engine) resolveCollateral(user crypto.Address, item CollateralItem) (*big.Int, error) {
	if item.Amount.Mode == AmountCurrentBalance {
		return e.state.BalanceOf(user, item.Token)
	}
	return new(big.Int).Set(item.Amount.Value), nil
}

// marketForReceipt finds the market issuing a receipt token. Receipt tokens
// are unique per market, so directory order does not matter.
func (e *Engine) marketForReceipt(token string) (Market, error) {
	for _, mkt := range e.markets {
		receipt, err := mkt.ReceiptToken()
		if err != nil {
			return nil, err
		}
		if receipt == token {
			return mkt, nil
		}
	}
	return nil, fmt.Errorf("%w: no market issues %s", ErrInvalidPlan, token)
}

// validatePlan checks plan shape against the directory and configuration.
// Amount resolution happens later, at step execution; validation never reads
// balances.
func (e *Engine) validatePlan(plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("%w: plan required", ErrInvalidPlan)
	}
	if plan.Initiator.IsZero() {
		return fmt.Errorf("%w: initiator required", ErrInvalidPlan)
	}
	if len(plan.Sources) == 0 && len(plan.Collateral) == 0 {
		return fmt.Errorf("%w: nothing to migrate", ErrInvalidPlan)
	}
	if len(plan.Sources) > e.maxPlanSteps {
		return fmt.Errorf("%w: %d borrow sources exceed the limit of %d", ErrInvalidPlan, len(plan.Sources), e.maxPlanSteps)
	}
	registered, err := e.state.HasToken(plan.BaseToken)
	if err != nil {
		return err
	}
	if !registered {
		return fmt.Errorf("%w: unknown base token %q", ErrInvalidPlan, plan.BaseToken)
	}
	base, err := e.target.BaseToken()
	if err != nil {
		return err
	}
	if plan.BaseToken != base {
		return fmt.Errorf("%w: base token %s does not match the target protocol's %s", ErrInvalidPlan, plan.BaseToken, base)
	}
	for i, src := range plan.Sources {
		if err := src.Amount.Validate(); err != nil {
			return fmt.Errorf("%w: source %d: %v", ErrInvalidPlan, i, err)
		}
		if !src.Method.Valid() {
			return fmt.Errorf("%w: source %d: unknown method %q", ErrInvalidPlan, i, src.Method)
		}
		mkt, ok := e.markets[src.MarketID]
		if !ok {
			return fmt.Errorf("%w: source %d: unknown market %q", ErrInvalidPlan, i, src.MarketID)
		}
		ven, ok := e.venues[src.VenueID]
		if !ok {
			return fmt.Errorf("%w: source %d: unknown venue %q", ErrInvalidPlan, i, src.VenueID)
		}
		underlying, err := mkt.Underlying()
		if err != nil {
			return err
		}
		token0, token1, err := ven.Pair()
		if err != nil {
			return err
		}
		switch src.Method {
		case venue.MethodLoan:
			if underlying != base {
				return fmt.Errorf("%w: source %d: loan legs require base-denominated debt, market %s uses %s", ErrInvalidPlan, i, src.MarketID, underlying)
			}
			if token0 != base && token1 != base {
				return fmt.Errorf("%w: source %d: venue %s does not trade %s", ErrInvalidPlan, i, src.VenueID, base)
			}
		case venue.MethodSwap:
			if underlying == base {
				return fmt.Errorf("%w: source %d: swap legs require a non-base underlying", ErrInvalidPlan, i)
			}
			matches := (token0 == underlying && token1 == base) || (token0 == base && token1 == underlying)
			if !matches {
				return fmt.Errorf("%w: source %d: venue %s trades %s/%s, need %s/%s", ErrInvalidPlan, i, src.VenueID, token0, token1, underlying, base)
			}
		}
	}
	seen := make(map[string]bool, len(plan.Collateral))
	for i, item := range plan.Collateral {
		if err := item.Amount.Validate(); err != nil {
			return fmt.Errorf("%w: collateral %d: %v", ErrInvalidPlan, i, err)
		}
		if !e.collateral[item.Token] {
			return fmt.Errorf("%w: collateral %d: %s is not in the accepted set", ErrInvalidPlan, i, item.Token)
		}
		if seen[item.Token] {
			return fmt.Errorf("%w: collateral %d: duplicate token %s", ErrInvalidPlan, i, item.Token)
		}
		seen[item.Token] = true
		if _, err := e.marketForReceipt(item.Token); err != nil {
			return err
		}
	}
	return nil
}
