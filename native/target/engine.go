// Package target implements the destination lending protocol: collateral
// supplied on a user's behalf backs base-token borrows, gated by a weighted
// collateral-factor health check. Pooled liquidity lives in the protocol's
// module account.
package target

import (
	"errors"
	"fmt"
	"math/big"

	"refi/crypto"
	nativecommon "refi/native/common"
)

const moduleName = "target"

var (
	errNilState         = errors.New("target engine: state not configured")
	errProtocolNotFound = errors.New("target engine: protocol not configured")
	errInvalidAmount    = errors.New("target engine: amount must be positive")
	// ErrInsufficientFunds is an infrastructure failure: the payer account
	// lacks the balance a caller claimed to hold.
	ErrInsufficientFunds = errors.New("target engine: insufficient payer balance")
)

var basisPoints = big.NewInt(10_000)

type engineState interface {
	GetProtocol() (*Protocol, error)
	GetPosition(addr crypto.Address) (*Position, error)
	PutPosition(addr crypto.Address, position *Position) error
	BalanceOf(addr crypto.Address, token string) (*big.Int, error)
	Transfer(from, to crypto.Address, token string, amount *big.Int) error
}

// Engine exposes the target protocol's on-behalf operations. Supplied
// collateral and borrowable liquidity pool in the module account.
type Engine struct {
	moduleAddress crypto.Address
	state         engineState
	pauses        nativecommon.PauseView
}

// NewEngine constructs an engine whose pooled funds live at the given module
// account.
func NewEngine(moduleAddress crypto.Address) *Engine {
	return &Engine{moduleAddress: moduleAddress}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// SetPauses wires the administrative pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// ModuleAddress returns the account holding the protocol's pooled funds.
func (e *Engine) ModuleAddress() crypto.Address {
	return e.moduleAddress
}

func (e *Engine) loadProtocol() (*Protocol, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	protocol, err := e.state.GetProtocol()
	if err != nil {
		return nil, err
	}
	if protocol == nil {
		return nil, errProtocolNotFound
	}
	return protocol, nil
}

// BaseToken returns the token every borrow is denominated in.
func (e *Engine) BaseToken() (string, error) {
	protocol, err := e.loadProtocol()
	if err != nil {
		return "", err
	}
	return protocol.BaseToken, nil
}

// PositionOf returns the user's live position, empty when none exists.
func (e *Engine) PositionOf(user crypto.Address) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	position, err := e.state.GetPosition(user)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return &Position{DebtBase: big.NewInt(0)}, nil
	}
	return position, nil
}

// SupplyOnBehalf deposits collateral into the user's position with funds
// drawn from the payer account. Business rejections come back as a non-zero
// code; the state is only touched when the code is CodeOK.
func (e *Engine) SupplyOnBehalf(user, payer crypto.Address, token string, amount *big.Int) (uint32, error) {
	protocol, err := e.loadProtocol()
	if err != nil {
		return CodeOK, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return CodeOK, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return CodeOK, errInvalidAmount
	}
	if protocol.Paused {
		return CodePaused, nil
	}
	if _, ok := protocol.FactorFor(token); !ok {
		return CodeUnsupportedCollateral, nil
	}
	balance, err := e.state.BalanceOf(payer, token)
	if err != nil {
		return CodeOK, err
	}
	if balance.Cmp(amount) < 0 {
		return CodeOK, fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientFunds, balance, amount, token)
	}
	position, err := e.PositionOf(user)
	if err != nil {
		return CodeOK, err
	}
	if err := e.state.Transfer(payer, e.moduleAddress, token, amount); err != nil {
		return CodeOK, err
	}
	position.setSupplied(token, new(big.Int).Add(position.SuppliedOf(token), amount))
	if err := e.state.PutPosition(user, position); err != nil {
		return CodeOK, err
	}
	return CodeOK, nil
}

// BorrowOnBehalf issues base-token debt against the user's position, paying
// the proceeds to the recipient account. The borrow must keep the position's
// debt within its factor-weighted collateral capacity.
func (e *Engine) BorrowOnBehalf(user, recipient crypto.Address, amount *big.Int) (uint32, error) {
	protocol, err := e.loadProtocol()
	if err != nil {
		return CodeOK, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return CodeOK, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return CodeOK, errInvalidAmount
	}
	if protocol.Paused {
		return CodePaused, nil
	}
	position, err := e.PositionOf(user)
	if err != nil {
		return CodeOK, err
	}
	debt := new(big.Int).Add(position.Debt(), amount)
	if debt.Cmp(borrowCapacity(protocol, position)) > 0 {
		return CodeHealthCheckFailed, nil
	}
	liquidity, err := e.state.BalanceOf(e.moduleAddress, protocol.BaseToken)
	if err != nil {
		return CodeOK, err
	}
	if liquidity.Cmp(amount) < 0 {
		return CodeInsufficientLiquidity, nil
	}
	if err := e.state.Transfer(e.moduleAddress, recipient, protocol.BaseToken, amount); err != nil {
		return CodeOK, err
	}
	position.DebtBase = debt
	if err := e.state.PutPosition(user, position); err != nil {
		return CodeOK, err
	}
	return CodeOK, nil
}

// WithdrawOnBehalf releases supplied collateral to the recipient account. The
// remaining position must still carry its debt.
func (e *Engine) WithdrawOnBehalf(user, recipient crypto.Address, token string, amount *big.Int) (uint32, error) {
	protocol, err := e.loadProtocol()
	if err != nil {
		return CodeOK, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return CodeOK, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return CodeOK, errInvalidAmount
	}
	if protocol.Paused {
		return CodePaused, nil
	}
	position, err := e.PositionOf(user)
	if err != nil {
		return CodeOK, err
	}
	supplied := position.SuppliedOf(token)
	if supplied.Cmp(amount) < 0 {
		return CodeInsufficientCollateral, nil
	}
	position.setSupplied(token, new(big.Int).Sub(supplied, amount))
	if position.Debt().Cmp(borrowCapacity(protocol, position)) > 0 {
		return CodeHealthCheckFailed, nil
	}
	if err := e.state.Transfer(e.moduleAddress, recipient, token, amount); err != nil {
		return CodeOK, err
	}
	if err := e.state.PutPosition(user, position); err != nil {
		return CodeOK, err
	}
	return CodeOK, nil
}

// borrowCapacity sums the factor-weighted value of a position's supplied
// collateral, rounding down per token.
func borrowCapacity(protocol *Protocol, position *Position) *big.Int {
	capacity := big.NewInt(0)
	for _, supplied := range position.Supplied {
		if supplied.Amount == nil || supplied.Amount.Sign() <= 0 {
			continue
		}
		factor, ok := protocol.FactorFor(supplied.Token)
		if !ok {
			continue
		}
		weighted := new(big.Int).Mul(supplied.Amount, new(big.Int).SetUint64(factor))
		capacity.Add(capacity, weighted.Quo(weighted, basisPoints))
	}
	return capacity
}
