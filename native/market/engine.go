package market

import (
	"errors"
	"fmt"
	"math/big"

	"refi/crypto"
)

var (
	errNilState       = errors.New("market engine: state not configured")
	errMarketNotFound = errors.New("market engine: market not configured")
	errInvalidAmount  = errors.New("market engine: amount must be positive")
	errInvalidRate    = errors.New("market engine: redeem rate not configured")
	// ErrInsufficientFunds is an infrastructure failure: the payer account
	// lacks the balance a caller claimed to hold.
	ErrInsufficientFunds = errors.New("market engine: insufficient payer balance")
)

var ray = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

type engineState interface {
	GetMarket(id string) (*Market, error)
	GetDebt(marketID string, addr crypto.Address) (*big.Int, error)
	PutDebt(marketID string, addr crypto.Address, amount *big.Int) error
	BalanceOf(addr crypto.Address, token string) (*big.Int, error)
	Transfer(from, to crypto.Address, token string, amount *big.Int) error
	Debit(addr crypto.Address, token string, amount *big.Int) error
}

// Engine exposes one legacy market's debt and collateral operations. Each
// instance is bound to a single market id; pooled funds live in the market's
// module account.
type Engine struct {
	marketID      string
	moduleAddress crypto.Address
	state         engineState
}

// NewEngine constructs an engine bound to the given market id.
func NewEngine(marketID string) *Engine {
	return &Engine{
		marketID:      marketID,
		moduleAddress: crypto.ModuleAddress("market/" + marketID),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// MarketID returns the bound market identifier.
func (e *Engine) MarketID() string {
	if e == nil {
		return ""
	}
	return e.marketID
}

// ModuleAddress returns the account holding the market's pooled funds.
func (e *Engine) ModuleAddress() crypto.Address {
	return e.moduleAddress
}

func (e *Engine) loadMarket() (*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.state.GetMarket(e.marketID)
	if err != nil {
		return nil, err
	}
	if market == nil {
		return nil, fmt.Errorf("%w: %s", errMarketNotFound, e.marketID)
	}
	return market, nil
}

// Underlying returns the token the market's debt is denominated in.
func (e *Engine) Underlying() (string, error) {
	market, err := e.loadMarket()
	if err != nil {
		return "", err
	}
	return market.Underlying, nil
}

// ReceiptToken returns the collateral token this market issues.
func (e *Engine) ReceiptToken() (string, error) {
	market, err := e.loadMarket()
	if err != nil {
		return "", err
	}
	return market.ReceiptToken, nil
}

// DebtOf returns the user's live debt in the market's underlying token.
func (e *Engine) DebtOf(user crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.loadMarket(); err != nil {
		return nil, err
	}
	debt, err := e.state.GetDebt(e.marketID, user)
	if err != nil {
		return nil, err
	}
	if debt == nil {
		return big.NewInt(0), nil
	}
	return debt, nil
}

// RepayOnBehalf settles part of the user's debt with funds drawn from the
// payer account. Business rejections come back as a non-zero code; the state
// is only touched when the code is CodeOK.
func (e *Engine) RepayOnBehalf(user, payer crypto.Address, amount *big.Int) (uint32, error) {
	market, err := e.loadMarket()
	if err != nil {
		return CodeOK, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return CodeOK, errInvalidAmount
	}
	if market.Paused {
		return CodePaused, nil
	}
	debt, err := e.DebtOf(user)
	if err != nil {
		return CodeOK, err
	}
	if debt.Sign() == 0 {
		return CodeNoDebt, nil
	}
	if debt.Cmp(amount) < 0 {
		return CodeRepayExceedsDebt, nil
	}
	balance, err := e.state.BalanceOf(payer, market.Underlying)
	if err != nil {
		return CodeOK, err
	}
	if balance.Cmp(amount) < 0 {
		return CodeOK, fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientFunds, balance, amount, market.Underlying)
	}
	if err := e.state.Transfer(payer, e.moduleAddress, market.Underlying, amount); err != nil {
		return CodeOK, err
	}
	remaining := new(big.Int).Sub(debt, amount)
	if err := e.state.PutDebt(e.marketID, user, remaining); err != nil {
		return CodeOK, err
	}
	return CodeOK, nil
}

// RedeemToUnderlying burns receipt tokens held by the holder and pays out the
// corresponding underlying from the market's pooled funds. The credited
// underlying amount is returned alongside the business code.
func (e *Engine) RedeemToUnderlying(holder crypto.Address, amount *big.Int) (*big.Int, uint32, error) {
	market, err := e.loadMarket()
	if err != nil {
		return nil, CodeOK, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, CodeOK, errInvalidAmount
	}
	if market.RedeemRateRay == nil || market.RedeemRateRay.Sign() <= 0 {
		return nil, CodeOK, fmt.Errorf("%w: %s", errInvalidRate, e.marketID)
	}
	if market.Paused {
		return nil, CodePaused, nil
	}
	receipts, err := e.state.BalanceOf(holder, market.ReceiptToken)
	if err != nil {
		return nil, CodeOK, err
	}
	if receipts.Cmp(amount) < 0 {
		return nil, CodeInsufficientReceipts, nil
	}

	out := new(big.Int).Mul(amount, market.RedeemRateRay)
	out = out.Quo(out, ray)
	reserve, err := e.state.BalanceOf(e.moduleAddress, market.Underlying)
	if err != nil {
		return nil, CodeOK, err
	}
	if reserve.Cmp(out) < 0 {
		return nil, CodeInsufficientLiquidity, nil
	}

	// Receipts burn; the backing underlying leaves the market pool.
	if err := e.state.Debit(holder, market.ReceiptToken, amount); err != nil {
		return nil, CodeOK, err
	}
	if err := e.state.Transfer(e.moduleAddress, holder, market.Underlying, out); err != nil {
		return nil, CodeOK, err
	}
	return out, CodeOK, nil
}
