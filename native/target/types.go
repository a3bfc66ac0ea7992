package target

import "math/big"

// Business failures surface as numeric codes so callers can fold them into
// their own error taxonomy; infrastructure failures travel as plain errors.
const (
	CodeOK uint32 = iota
	CodePaused
	CodeUnsupportedCollateral
	CodeInsufficientCollateral
	CodeInsufficientLiquidity
	CodeHealthCheckFailed
)

var codeNames = map[uint32]string{
	CodeOK:                     "ok",
	CodePaused:                 "protocol paused",
	CodeUnsupportedCollateral:  "collateral carries no factor",
	CodeInsufficientCollateral: "insufficient supplied collateral",
	CodeInsufficientLiquidity:  "insufficient protocol liquidity",
	CodeHealthCheckFailed:      "position health check failed",
}

// CodeString renders a target code for error messages and logs.
func CodeString(code uint32) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "unknown code"
}

// CollateralFactor weights one collateral token in the health check, in basis
// points of its face value.
type CollateralFactor struct {
	Token     string
	FactorBps uint64
}

// Protocol captures the destination protocol's configuration: the base token
// every borrow is denominated in and the factor per accepted collateral.
type Protocol struct {
	BaseToken string
	Factors   []CollateralFactor
	Paused    bool
}

// Clone returns a deep copy so cached configuration cannot be mutated by
// callers.
func (p *Protocol) Clone() *Protocol {
	if p == nil {
		return nil
	}
	cloned := &Protocol{
		BaseToken: p.BaseToken,
		Paused:    p.Paused,
	}
	if len(p.Factors) > 0 {
		cloned.Factors = append([]CollateralFactor(nil), p.Factors...)
	}
	return cloned
}

// FactorFor returns the collateral factor configured for a token.
func (p *Protocol) FactorFor(token string) (uint64, bool) {
	if p == nil {
		return 0, false
	}
	for _, factor := range p.Factors {
		if factor.Token == token {
			return factor.FactorBps, true
		}
	}
	return 0, false
}

// SuppliedBalance is one collateral token supplied into a position.
type SuppliedBalance struct {
	Token  string
	Amount *big.Int
}

// Position is one user's account in the target protocol: supplied collateral
// balances and base-denominated debt.
type Position struct {
	Supplied []SuppliedBalance
	DebtBase *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cloned := &Position{}
	for _, supplied := range p.Supplied {
		entry := SuppliedBalance{Token: supplied.Token}
		if supplied.Amount != nil {
			entry.Amount = new(big.Int).Set(supplied.Amount)
		}
		cloned.Supplied = append(cloned.Supplied, entry)
	}
	if p.DebtBase != nil {
		cloned.DebtBase = new(big.Int).Set(p.DebtBase)
	}
	return cloned
}

// SuppliedOf returns the supplied balance of one token, zero when the token
// was never supplied.
func (p *Position) SuppliedOf(token string) *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	for _, supplied := range p.Supplied {
		if supplied.Token == token && supplied.Amount != nil {
			return new(big.Int).Set(supplied.Amount)
		}
	}
	return big.NewInt(0)
}

// Debt returns the position's base-denominated debt, zero when unset.
func (p *Position) Debt() *big.Int {
	if p == nil || p.DebtBase == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(p.DebtBase)
}

// setSupplied replaces one token's supplied balance in place, appending when
// the token is new and dropping the entry when the balance reaches zero.
func (p *Position) setSupplied(token string, amount *big.Int) {
	for i := range p.Supplied {
		if p.Supplied[i].Token != token {
			continue
		}
		if amount.Sign() == 0 {
			p.Supplied = append(p.Supplied[:i], p.Supplied[i+1:]...)
			return
		}
		p.Supplied[i].Amount = amount
		return
	}
	if amount.Sign() > 0 {
		p.Supplied = append(p.Supplied, SuppliedBalance{Token: token, Amount: amount})
	}
}
