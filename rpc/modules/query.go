package modules

import (
	"net/http"
	"strings"

	"refi/core"
	"refi/crypto"
)

// QueryModule serves the read-only surface: balances, the token registry,
// and the market/venue/target directory. Every result amount is a decimal
// string so callers never lose precision to JSON numbers.
type QueryModule struct {
	node *core.Node
}

func NewQueryModule(node *core.Node) *QueryModule {
	return &QueryModule{node: node}
}

type BalanceResult struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

type TokenResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Native   bool   `json:"native"`
	Wraps    string `json:"wraps,omitempty"`
}

type MarketResult struct {
	ID            string `json:"id"`
	Underlying    string `json:"underlying"`
	ReceiptToken  string `json:"receiptToken"`
	RedeemRateRay string `json:"redeemRateRay"`
	Paused        bool   `json:"paused"`
}

type DebtResult struct {
	Market  string `json:"market"`
	Address string `json:"address"`
	Debt    string `json:"debt"`
}

type PoolResult struct {
	ID      string `json:"id"`
	Token0  string `json:"token0"`
	Token1  string `json:"token1"`
	FeeBps  uint64 `json:"feeBps"`
	RateRay string `json:"rateRay"`
}

type ReservesResult struct {
	Pool     string `json:"pool"`
	Reserve0 string `json:"reserve0"`
	Reserve1 string `json:"reserve1"`
}

type FactorResult struct {
	Token     string `json:"token"`
	FactorBps uint64 `json:"factorBps"`
}

type ProtocolResult struct {
	BaseToken string         `json:"baseToken"`
	Factors   []FactorResult `json:"factors"`
	Paused    bool           `json:"paused"`
}

type SuppliedResult struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type PositionResult struct {
	Address  string           `json:"address"`
	Supplied []SuppliedResult `json:"supplied"`
	DebtBase string           `json:"debtBase"`
}

type LiquidityResult struct {
	BaseToken string `json:"baseToken"`
	Available string `json:"available"`
}

func (m *QueryModule) moduleUnavailable() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "query module not available"}
}

func (m *QueryModule) Balance(addrStr, token string) (*BalanceResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(addrStr))
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "invalid address", Data: err.Error()}
	}
	symbol := strings.TrimSpace(token)
	if symbol == "" {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "token symbol required"}
	}
	balance, err := m.node.Balance(addr, symbol)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	return &BalanceResult{Address: addr.String(), Token: symbol, Balance: bigString(balance)}, nil
}

func (m *QueryModule) Tokens() ([]TokenResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	tokens, err := m.node.Tokens()
	if err != nil {
		return nil, wrapQueryError(err)
	}
	results := make([]TokenResult, 0, len(tokens))
	for _, token := range tokens {
		results = append(results, TokenResult{
			Symbol:   token.Symbol,
			Name:     token.Name,
			Decimals: token.Decimals,
			Native:   token.Native,
			Wraps:    token.Wraps,
		})
	}
	return results, nil
}

func (m *QueryModule) Markets() ([]MarketResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	markets, err := m.node.Markets()
	if err != nil {
		return nil, wrapQueryError(err)
	}
	results := make([]MarketResult, 0, len(markets))
	for _, mkt := range markets {
		results = append(results, MarketResult{
			ID:            mkt.ID,
			Underlying:    mkt.Underlying,
			ReceiptToken:  mkt.ReceiptToken,
			RedeemRateRay: bigString(mkt.RedeemRateRay),
			Paused:        mkt.Paused,
		})
	}
	return results, nil
}

func (m *QueryModule) Market(id string) (*MarketResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "market id required"}
	}
	mkt, err := m.node.Market(trimmed)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if mkt == nil {
		return nil, notFound("unknown market " + trimmed)
	}
	return &MarketResult{
		ID:            mkt.ID,
		Underlying:    mkt.Underlying,
		ReceiptToken:  mkt.ReceiptToken,
		RedeemRateRay: bigString(mkt.RedeemRateRay),
		Paused:        mkt.Paused,
	}, nil
}

func (m *QueryModule) MarketDebt(id, addrStr string) (*DebtResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "market id required"}
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(addrStr))
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "invalid address", Data: err.Error()}
	}
	debt, err := m.node.MarketDebt(trimmed, addr)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	return &DebtResult{Market: trimmed, Address: addr.String(), Debt: bigString(debt)}, nil
}

func (m *QueryModule) Pools() ([]PoolResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	pools, err := m.node.Pools()
	if err != nil {
		return nil, wrapQueryError(err)
	}
	results := make([]PoolResult, 0, len(pools))
	for _, pool := range pools {
		results = append(results, PoolResult{
			ID:      pool.ID,
			Token0:  pool.Token0,
			Token1:  pool.Token1,
			FeeBps:  pool.FeeBps,
			RateRay: bigString(pool.RateRay),
		})
	}
	return results, nil
}

func (m *QueryModule) Pool(id string) (*PoolResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "pool id required"}
	}
	pool, err := m.node.Pool(trimmed)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if pool == nil {
		return nil, notFound("unknown pool " + trimmed)
	}
	return &PoolResult{
		ID:      pool.ID,
		Token0:  pool.Token0,
		Token1:  pool.Token1,
		FeeBps:  pool.FeeBps,
		RateRay: bigString(pool.RateRay),
	}, nil
}

func (m *QueryModule) PoolReserves(id string) (*ReservesResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "pool id required"}
	}
	reserve0, reserve1, err := m.node.PoolReserves(trimmed)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	return &ReservesResult{Pool: trimmed, Reserve0: bigString(reserve0), Reserve1: bigString(reserve1)}, nil
}

func (m *QueryModule) Protocol() (*ProtocolResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	protocol, err := m.node.Protocol()
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if protocol == nil {
		return nil, notFound("target protocol not seeded")
	}
	factors := make([]FactorResult, 0, len(protocol.Factors))
	for _, factor := range protocol.Factors {
		factors = append(factors, FactorResult{Token: factor.Token, FactorBps: factor.FactorBps})
	}
	return &ProtocolResult{BaseToken: protocol.BaseToken, Factors: factors, Paused: protocol.Paused}, nil
}

func (m *QueryModule) TargetLiquidity() (*LiquidityResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	protocol, err := m.node.Protocol()
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if protocol == nil {
		return nil, notFound("target protocol not seeded")
	}
	available, err := m.node.TargetLiquidity()
	if err != nil {
		return nil, wrapQueryError(err)
	}
	return &LiquidityResult{BaseToken: protocol.BaseToken, Available: bigString(available)}, nil
}

func (m *QueryModule) Position(addrStr string) (*PositionResult, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(addrStr))
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "invalid address", Data: err.Error()}
	}
	position, err := m.node.Position(addr)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	result := &PositionResult{Address: addr.String(), DebtBase: bigString(position.Debt())}
	if position != nil {
		for _, supplied := range position.Supplied {
			result.Supplied = append(result.Supplied, SuppliedResult{Token: supplied.Token, Amount: bigString(supplied.Amount)})
		}
	}
	return result, nil
}

func notFound(message string) *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusNotFound, Code: codeInvalidParams, Message: message}
}

func wrapQueryError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
}
