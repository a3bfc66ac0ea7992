package wnative

import (
	"errors"
	"fmt"
	"math/big"

	"refi/crypto"
)

var (
	errNilState      = errors.New("wnative engine: state not configured")
	errInvalidAmount = errors.New("wnative engine: amount must be positive")
	// ErrInsufficientBacking means the module account does not hold enough
	// native tokens to honor an unwrap, which indicates a mint outside the
	// engine or a genesis misconfiguration.
	ErrInsufficientBacking = errors.New("wnative engine: insufficient native backing")
)

type engineState interface {
	BalanceOf(addr crypto.Address, token string) (*big.Int, error)
	Transfer(from, to crypto.Address, token string, amount *big.Int) error
	Credit(addr crypto.Address, token string, amount *big.Int) error
	Debit(addr crypto.Address, token string, amount *big.Int) error
}

// Engine wraps the chain's native token one to one into a transferable
// representation. Native deposits sit in the engine's module account and back
// every wrapped unit in circulation.
type Engine struct {
	nativeToken   string
	wrappedToken  string
	moduleAddress crypto.Address
	state         engineState
}

// NewEngine constructs a wrapper between the given native and wrapped token
// symbols.
func NewEngine(nativeToken, wrappedToken string) *Engine {
	return &Engine{
		nativeToken:   nativeToken,
		wrappedToken:  wrappedToken,
		moduleAddress: crypto.ModuleAddress("wnative"),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// NativeToken returns the symbol accepted for wrapping.
func (e *Engine) NativeToken() string {
	return e.nativeToken
}

// WrappedToken returns the symbol minted against deposits.
func (e *Engine) WrappedToken() string {
	return e.wrappedToken
}

// ModuleAddress returns the account holding the native backing.
func (e *Engine) ModuleAddress() crypto.Address {
	return e.moduleAddress
}

// Wrap deposits native tokens from the holder and mints the same amount of
// the wrapped token to them.
func (e *Engine) Wrap(holder crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if err := e.state.Transfer(holder, e.moduleAddress, e.nativeToken, amount); err != nil {
		return err
	}
	return e.state.Credit(holder, e.wrappedToken, amount)
}

// Unwrap burns wrapped tokens from the holder and releases the same amount of
// native backing to them.
func (e *Engine) Unwrap(holder crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	backing, err := e.state.BalanceOf(e.moduleAddress, e.nativeToken)
	if err != nil {
		return err
	}
	if backing.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBacking, backing, amount)
	}
	if err := e.state.Debit(holder, e.wrappedToken, amount); err != nil {
		return err
	}
	return e.state.Transfer(e.moduleAddress, holder, e.nativeToken, amount)
}
