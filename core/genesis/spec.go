package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"refi/crypto"
)

// Spec is the JSON genesis document: the complete initial state of the
// ledger plus the orchestrator's fixed configuration. Unknown fields are
// rejected at load time so a typo cannot silently drop state.
type Spec struct {
	GenesisTime string                       `json:"genesisTime"`
	Tokens      []TokenSpec                  `json:"tokens"`
	Alloc       map[string]map[string]string `json:"alloc,omitempty"` // addr -> token -> amount
	Markets     []MarketSpec                 `json:"markets,omitempty"`
	Venues      []VenueSpec                  `json:"venues,omitempty"`
	Target      *TargetSpec                  `json:"target,omitempty"`
	Migration   *MigrationSpec               `json:"migration,omitempty"`
	Positions   []PositionSpec               `json:"positions,omitempty"`

	genesisTimestamp time.Time
}

// TokenSpec registers one token. Wrapped tokens name the native token they
// wrap; at most one token may be native.
type TokenSpec struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Native   bool   `json:"native,omitempty"`
	Wraps    string `json:"wraps,omitempty"`
}

/// MarketSpec configures one legacy source market: its debt denomination,
// receipt token, redemption rate, pooled reserve, and opening debts.
type MarketSpec struct {
	ID            string            `json:"id"`
	Underlying    string            `json:"underlying"`
	ReceiptToken  string            `json:"receiptToken"`
	RedeemRateRay string            `json:"redeemRateRay"`
	Reserve       string            `json:"reserve,omitempty"`
	Debts         map[string]string `json:"debts,omitempty"` // addr -> amount
	Paused        bool              `json:"paused,omitempty"`
}

// VenueSpec configures one liquidity venue and the reserves seeded into its
// module account.
type VenueSpec struct {
	ID       string            `json:"id"`
	Token0   string            `json:"token0"`
	Token1   string            `json:"token1"`
	FeeBps   uint64            `json:"feeBps"`
	RateRay  string            `json:"rateRay"`
	Reserves map[string]string `json:"reserves,omitempty"` // token -> amount
}

// TargetSpec configures the destination protocol.
type TargetSpec struct {
	BaseToken string       `json:"baseToken"`
	Factors   []FactorSpec `json:"factors"`
	Liquidity string       `json:"liquidity,omitempty"`
	Paused    bool         `json:"paused,omitempty"`
}

// FactorSpec weights one collateral token in the target's health check.
type FactorSpec struct {
	Token     string `json:"token"`
	FactorBps uint64 `json:"factorBps"`
}

// MigrationSpec fixes the orchestrator's configuration.
type MigrationSpec struct {
	SweepRecipient     string   `json:"sweepRecipient"`
	AcceptedCollateral []string `json:"acceptedCollateral"`
	MaxPlanSteps       int      `json:"maxPlanSteps,omitempty"`
}

// PositionSpec seeds an opening position in the target protocol.
type PositionSpec struct {
	Address  string            `json:"address"`
	Supplied map[string]string `json:"supplied,omitempty"` // token -> amount
	DebtBase string            `json:"debtBase,omitempty"`
}

// Load reads and validates a genesis spec from disk.
func Load(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// Parse decodes and validates a genesis spec from raw JSON.
func Parse(raw []byte) (*Spec, error) {
	var spec Spec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// GenesisTimestamp returns the parsed genesis time. Valid only after
// Validate.
func (s *Spec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Validate checks internal consistency: every referenced token, address, and
// amount must resolve. It is idempotent and safe to call on a hand-built
// spec.
func (s *Spec) Validate() error {
	ts, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = ts

	if len(s.Tokens) == 0 {
		return fmt.Errorf("tokens must be provided")
	}
	symbols := make(map[string]bool, len(s.Tokens))
	natives := 0
	for i := range s.Tokens {
		token := &s.Tokens[i]
		symbol := normalizeSymbol(token.Symbol)
		if symbol == "" {
			return fmt.Errorf("token[%d]: symbol must be provided", i)
		}
		if token.Decimals > 18 {
			return fmt.Errorf("token[%d]: decimals must be 18 or fewer", i)
		}
		if symbols[symbol] {
			return fmt.Errorf("token[%d]: duplicate symbol %q", i, token.Symbol)
		}
		symbols[symbol] = true
		if token.Native {
			natives++
		}
	}
	if natives > 1 {
		return fmt.Errorf("tokens: at most one native token")
	}
	for i := range s.Tokens {
		token := &s.Tokens[i]
		if token.Wraps == "" {
			continue
		}
		if !symbols[normalizeSymbol(token.Wraps)] {
			return fmt.Errorf("token[%d]: wraps undefined token %q", i, token.Wraps)
		}
		if token.Native {
			return fmt.Errorf("token[%d]: a native token cannot wrap another", i)
		}
	}

	for addrStr, balances := range s.Alloc {
		if _, err := crypto.DecodeAddress(addrStr); err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		for symbol, amount := range balances {
			if !symbols[normalizeSymbol(symbol)] {
				return fmt.Errorf("alloc[%q][%q]: undefined token", addrStr, symbol)
			}
			if _, err := parseAmount(amount); err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", addrStr, symbol, err)
			}
		}
	}

	marketIDs := make(map[string]bool, len(s.Markets))
	receipts := make(map[string]bool, len(s.Markets))
	for i := range s.Markets {
		m := &s.Markets[i]
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("market[%d]: id must be provided", i)
		}
		if marketIDs[m.ID] {
			return fmt.Errorf("market[%d]: duplicate id %q", i, m.ID)
		}
		marketIDs[m.ID] = true
		if !symbols[normalizeSymbol(m.Underlying)] {
			return fmt.Errorf("market[%q]: undefined underlying %q", m.ID, m.Underlying)
		}
		if !symbols[normalizeSymbol(m.ReceiptToken)] {
			return fmt.Errorf("market[%q]: undefined receipt token %q", m.ID, m.ReceiptToken)
		}
		receipt := normalizeSymbol(m.ReceiptToken)
		if receipts[receipt] {
			return fmt.Errorf("market[%q]: receipt token %q already issued by another market", m.ID, m.ReceiptToken)
		}
		receipts[receipt] = true
		if _, err := parsePositiveAmount(m.RedeemRateRay); err != nil {
			return fmt.Errorf("market[%q]: redeemRateRay: %w", m.ID, err)
		}
		if m.Reserve != "" {
			if _, err := parseAmount(m.Reserve); err != nil {
				return fmt.Errorf("market[%q]: reserve: %w", m.ID, err)
			}
		}
		for addrStr, amount := range m.Debts {
			if _, err := crypto.DecodeAddress(addrStr); err != nil {
				return fmt.Errorf("market[%q] debts[%q]: %w", m.ID, addrStr, err)
			}
			if _, err := parseAmount(amount); err != nil {
				return fmt.Errorf("market[%q] debts[%q]: %w", m.ID, addrStr, err)
			}
		}
	}

	venueIDs := make(map[string]bool, len(s.Venues))
	for i := range s.Venues {
		v := &s.Venues[i]
		if strings.TrimSpace(v.ID) == "" {
			return fmt.Errorf("venue[%d]: id must be provided", i)
		}
		if venueIDs[v.ID] {
			return fmt.Errorf("venue[%d]: duplicate id %q", i, v.ID)
		}
		venueIDs[v.ID] = true
		if !symbols[normalizeSymbol(v.Token0)] || !symbols[normalizeSymbol(v.Token1)] {
			return fmt.Errorf("venue[%q]: pair references an undefined token", v.ID)
		}
		if normalizeSymbol(v.Token0) == normalizeSymbol(v.Token1) {
			return fmt.Errorf("venue[%q]: pair tokens must differ", v.ID)
		}
		if v.FeeBps > 10_000 {
			return fmt.Errorf("venue[%q]: feeBps must be 10000 or fewer", v.ID)
		}
		if _, err := parsePositiveAmount(v.RateRay); err != nil {
			return fmt.Errorf("venue[%q]: rateRay: %w", v.ID, err)
		}
		for symbol, amount := range v.Reserves {
			if !symbols[normalizeSymbol(symbol)] {
				return fmt.Errorf("venue[%q] reserves[%q]: undefined token", v.ID, symbol)
			}
			if _, err := parseAmount(amount); err != nil {
				return fmt.Errorf("venue[%q] reserves[%q]: %w", v.ID, symbol, err)
			}
		}
	}

	if s.Target != nil {
		if !symbols[normalizeSymbol(s.Target.BaseToken)] {
			return fmt.Errorf("target: undefined base token %q", s.Target.BaseToken)
		}
		seen := make(map[string]bool, len(s.Target.Factors))
		for i, factor := range s.Target.Factors {
			symbol := normalizeSymbol(factor.Token)
			if !symbols[symbol] {
				return fmt.Errorf("target factor[%d]: undefined token %q", i, factor.Token)
			}
			if factor.FactorBps > 10_000 {
				return fmt.Errorf("target factor[%d]: factorBps must be 10000 or fewer", i)
			}
			if seen[symbol] {
				return fmt.Errorf("target factor[%d]: duplicate token %q", i, factor.Token)
			}
			seen[symbol] = true
		}
		if s.Target.Liquidity != "" {
			if _, err := parseAmount(s.Target.Liquidity); err != nil {
				return fmt.Errorf("target: liquidity: %w", err)
			}
		}
	}

	if s.Migration != nil {
		if _, err := crypto.DecodeAddress(s.Migration.SweepRecipient); err != nil {
			return fmt.Errorf("migration: sweepRecipient: %w", err)
		}
		for i, token := range s.Migration.AcceptedCollateral {
			if !receipts[normalizeSymbol(token)] {
				return fmt.Errorf("migration: acceptedCollateral[%d]: %q is not a market receipt token", i, token)
			}
		}
		if s.Migration.MaxPlanSteps < 0 {
			return fmt.Errorf("migration: maxPlanSteps must not be negative")
		}
	}

	for i := range s.Positions {
		p := &s.Positions[i]
		if _, err := crypto.DecodeAddress(p.Address); err != nil {
			return fmt.Errorf("position[%d]: %w", i, err)
		}
		for symbol, amount := range p.Supplied {
			if !symbols[normalizeSymbol(symbol)] {
				return fmt.Errorf("position[%d] supplied[%q]: undefined token", i, symbol)
			}
			if _, err := parseAmount(amount); err != nil {
				return fmt.Errorf("position[%d] supplied[%q]: %w", i, symbol, err)
			}
		}
		if p.DebtBase != "" {
			if _, err := parseAmount(p.DebtBase); err != nil {
				return fmt.Errorf("position[%d]: debtBase: %w", i, err)
			}
		}
	}
	return nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parsePositiveAmount(value string) (*big.Int, error) {
	amount, err := parseAmount(value)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
