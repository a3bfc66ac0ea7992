package venue

import (
	"math/big"

	"refi/crypto"
)

// Method names the liquidity primitive a venue leg used. The values double as
// wire/plan vocabulary.
type Method string

const (
	MethodLoan Method = "loan"
	MethodSwap Method = "swap"
)

// Valid reports whether the method is one of the supported primitives.
func (m Method) Valid() bool {
	return m == MethodLoan || m == MethodSwap
}

// Pool captures one venue's configuration. Reserves are ordinary balances of
// the venue's module account; RateRay quotes Token1 per Token0 at ray scale
// (1e27 = 1:1) and FeeBps applies to the amount owed back.
type Pool struct {
	ID      string
	Token0  string
	Token1  string
	FeeBps  uint64
	RateRay *big.Int
}

// Clone returns a deep copy of the pool configuration.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	cloned := &Pool{
		ID:     p.ID,
		Token0: p.Token0,
		Token1: p.Token1,
		FeeBps: p.FeeBps,
	}
	if p.RateRay != nil {
		cloned.RateRay = new(big.Int).Set(p.RateRay)
	}
	return cloned
}

// Contains reports whether the token is one side of the pool's pair.
func (p *Pool) Contains(token string) bool {
	return token == p.Token0 || token == p.Token1
}

// CounterAsset returns the opposite side of the pair.
func (p *Pool) CounterAsset(token string) string {
	if token == p.Token0 {
		return p.Token1
	}
	return p.Token0
}

// CallbackPayload describes the liquidity a venue advanced and what it is owed
// back. For loans Token and OwedToken coincide; for exact-output swaps the
// owed amount is denominated in the counter-asset.
type CallbackPayload struct {
	Method    Method
	Token     string
	Amount    *big.Int
	OwedToken string
	Owed      *big.Int
	Fee       *big.Int
}

// Receiver is implemented by parties requesting venue liquidity. The venue
// credits ReceiverAddress, invokes OnLiquidityCallback before its own call
// returns, and verifies afterwards that the owed amount came back.
type Receiver interface {
	ReceiverAddress() crypto.Address
	OnLiquidityCallback(caller crypto.Address, payload CallbackPayload, data []byte) error
}
