package venue

import (
	"errors"
	"fmt"
	"math/big"

	"refi/crypto"
)

var (
	errNilState       = errors.New("venue engine: state not configured")
	errPoolNotFound   = errors.New("venue engine: pool not configured")
	errNilReceiver    = errors.New("venue engine: receiver required")
	errInvalidAmount  = errors.New("venue engine: amount must be positive")
	errInvalidRate    = errors.New("venue engine: rate not configured")
	errTokenNotInPair = errors.New("venue engine: token not in pool pair")
)

var (
	// ErrInsufficientReserve is returned when the pool cannot advance the
	// requested amount.
	ErrInsufficientReserve = errors.New("venue engine: insufficient reserve")
	// ErrNotRepaid is returned when the receiver's callback chain did not
	// return the owed amount to the pool.
	ErrNotRepaid = errors.New("venue engine: advanced liquidity not repaid")
	// ErrCallback wraps an error the receiver raised inside the callback.
	ErrCallback = errors.New("venue engine: receiver callback failed")
)

var (
	basisPoints = big.NewInt(10_000)
	ray         = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
)

type engineState interface {
	GetPool(id string) (*Pool, error)
	BalanceOf(addr crypto.Address, token string) (*big.Int, error)
	Transfer(from, to crypto.Address, token string, amount *big.Int) error
}

// Engine exposes one liquidity venue's primitives. The venue's reserves are
// the balances of its module account; both primitives advance funds to the
// receiver, re-enter it synchronously, and verify repayment before returning.
type Engine struct {
	venueID       string
	moduleAddress crypto.Address
	state         engineState
}

// NewEngine constructs an engine bound to the given venue id.
func NewEngine(venueID string) *Engine {
	return &Engine{
		venueID:       venueID,
		moduleAddress: crypto.ModuleAddress("venue/" + venueID),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// VenueID returns the bound venue identifier.
func (e *Engine) VenueID() string {
	if e == nil {
		return ""
	}
	return e.venueID
}

// Address returns the venue's module account. It is the caller identity the
// venue presents when re-entering a receiver.
func (e *Engine) Address() crypto.Address {
	return e.moduleAddress
}

func (e *Engine) loadPool() (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.state.GetPool(e.venueID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("%w: %s", errPoolNotFound, e.venueID)
	}
	return pool, nil
}

// Pair returns the two tokens the venue trades.
func (e *Engine) Pair() (string, string, error) {
	pool, err := e.loadPool()
	if err != nil {
		return "", "", err
	}
	return pool.Token0, pool.Token1, nil
}

// ceilDiv rounds the quotient up so the venue never undercharges.
func ceilDiv(num, den *big.Int) *big.Int {
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func feeOn(amount *big.Int, feeBps uint64) *big.Int {
	if feeBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(feeBps))
	return ceilDiv(fee, basisPoints)
}

func (e *Engine) quoteIn(pool *Pool, outToken string, outAmount *big.Int) (*big.Int, error) {
	if pool.RateRay == nil || pool.RateRay.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", errInvalidRate, pool.ID)
	}
	if outToken == pool.Token0 {
		// Paying Token1 for Token0 output.
		return ceilDiv(new(big.Int).Mul(outAmount, pool.RateRay), ray), nil
	}
	// Paying Token0 for Token1 output.
	return ceilDiv(new(big.Int).Mul(outAmount, ray), pool.RateRay), nil
}

// Quote prices an exact-output request without moving funds: the amount owed
// back to the venue (fee included) and the fee portion.
func (e *Engine) Quote(method Method, outToken string, outAmount *big.Int) (*big.Int, *big.Int, error) {
	pool, err := e.loadPool()
	if err != nil {
		return nil, nil, err
	}
	if outAmount == nil || outAmount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}
	if !pool.Contains(outToken) {
		return nil, nil, fmt.Errorf("%w: %s not in %s/%s", errTokenNotInPair, outToken, pool.Token0, pool.Token1)
	}
	principal := new(big.Int).Set(outAmount)
	if method == MethodSwap {
		principal, err = e.quoteIn(pool, outToken, outAmount)
		if err != nil {
			return nil, nil, err
		}
	}
	fee := feeOn(principal, pool.FeeBps)
	return new(big.Int).Add(principal, fee), fee, nil
}

// FlashLoan advances an exact amount of token to the receiver, re-enters it,
// and requires amount plus fee back in the same token before returning.
func (e *Engine) FlashLoan(token string, amount *big.Int, receiver Receiver, data []byte) error {
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if receiver == nil {
		return errNilReceiver
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if !pool.Contains(token) {
		return fmt.Errorf("%w: %s not in %s/%s", errTokenNotInPair, token, pool.Token0, pool.Token1)
	}

	fee := feeOn(amount, pool.FeeBps)
	owed := new(big.Int).Add(amount, fee)
	payload := CallbackPayload{
		Method:    MethodLoan,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		OwedToken: token,
		Owed:      owed,
		Fee:       fee,
	}
	return e.advance(pool, payload, receiver, data)
}

// SwapExactOut delivers an exact output amount of outToken and requires the
// quoted counter-asset input plus fee back before returning.
func (e *Engine) SwapExactOut(outToken string, outAmount *big.Int, receiver Receiver, data []byte) error {
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if receiver == nil {
		return errNilReceiver
	}
	if outAmount == nil || outAmount.Sign() <= 0 {
		return errInvalidAmount
	}
	if !pool.Contains(outToken) {
		return fmt.Errorf("%w: %s not in %s/%s", errTokenNotInPair, outToken, pool.Token0, pool.Token1)
	}

	quoted, err := e.quoteIn(pool, outToken, outAmount)
	if err != nil {
		return err
	}
	fee := feeOn(quoted, pool.FeeBps)
	payload := CallbackPayload{
		Method:    MethodSwap,
		Token:     outToken,
		Amount:    new(big.Int).Set(outAmount),
		OwedToken: pool.CounterAsset(outToken),
		Owed:      new(big.Int).Add(quoted, fee),
		Fee:       fee,
	}
	return e.advance(pool, payload, receiver, data)
}

// advance moves the liquidity, re-enters the receiver, and enforces the owed
// post-condition on the venue's own balance.
func (e *Engine) advance(pool *Pool, payload CallbackPayload, receiver Receiver, data []byte) error {
	reserve, err := e.state.BalanceOf(e.moduleAddress, payload.Token)
	if err != nil {
		return err
	}
	if reserve.Cmp(payload.Amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientReserve, reserve, payload.Amount, payload.Token)
	}
	owedBefore, err := e.state.BalanceOf(e.moduleAddress, payload.OwedToken)
	if err != nil {
		return err
	}

	if err := e.state.Transfer(e.moduleAddress, receiver.ReceiverAddress(), payload.Token, payload.Amount); err != nil {
		return err
	}
	if err := receiver.OnLiquidityCallback(e.moduleAddress, payload, data); err != nil {
		return fmt.Errorf("%w: %w", ErrCallback, err)
	}

	owedAfter, err := e.state.BalanceOf(e.moduleAddress, payload.OwedToken)
	if err != nil {
		return err
	}
	required := new(big.Int).Add(owedBefore, payload.Owed)
	if payload.OwedToken == payload.Token {
		// The advance itself left in the owed token.
		required.Sub(required, payload.Amount)
	}
	if owedAfter.Cmp(required) < 0 {
		return fmt.Errorf("%w: pool %s holds %s %s, requires %s", ErrNotRepaid, pool.ID, owedAfter, payload.OwedToken, required)
	}
	return nil
}
