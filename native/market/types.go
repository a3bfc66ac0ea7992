package market

import "math/big"

// Business failures surface as numeric codes so callers can fold them into
// their own error taxonomy; infrastructure failures travel as plain errors.
const (
	CodeOK uint32 = iota
	CodePaused
	CodeNoDebt
	CodeRepayExceedsDebt
	CodeInsufficientReceipts
	CodeInsufficientLiquidity
)

var codeNames = map[uint32]string{
	CodeOK:                    "ok",
	CodePaused:                "market paused",
	CodeNoDebt:                "no outstanding debt",
	CodeRepayExceedsDebt:      "repay exceeds debt",
	CodeInsufficientReceipts:  "insufficient receipt balance",
	CodeInsufficientLiquidity: "insufficient redemption liquidity",
}

// CodeString renders a market code for error messages and logs.
func CodeString(code uint32) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "unknown code"
}

// Market captures the configuration of one legacy lending market. Debt is
// denominated in Underlying; posted collateral circulates as ReceiptToken and
// redeems back into Underlying at RedeemRateRay (ray scale, 1e27 = 1:1).
type Market struct {
	ID            string
	Underlying    string
	ReceiptToken  string
	RedeemRateRay *big.Int
	Paused        bool
}

// Clone returns a deep copy so cached configuration cannot be mutated by
// callers.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	cloned := &Market{
		ID:           m.ID,
		Underlying:   m.Underlying,
		ReceiptToken: m.ReceiptToken,
		Paused:       m.Paused,
	}
	if m.RedeemRateRay != nil {
		cloned.RedeemRateRay = new(big.Int).Set(m.RedeemRateRay)
	}
	return cloned
}
