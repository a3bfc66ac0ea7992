package genesis

import (
	"fmt"
	"sort"

	"refi/core/state"
	"refi/crypto"
	"refi/native/market"
	"refi/native/migration"
	"refi/native/target"
	"refi/native/venue"
)

const rayOne = "1000000000000000000000000000"

// Apply writes the spec's entire opening state onto the ledger in
// deterministic order. The ledger is expected to be empty; committing is the
// caller's business.
func Apply(spec *Spec, ledger *state.Ledger) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if ledger == nil {
		return fmt.Errorf("ledger must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	tokens := append([]TokenSpec(nil), spec.Tokens...)
	sort.Slice(tokens, func(i, j int) bool {
		return normalizeSymbol(tokens[i].Symbol) < normalizeSymbol(tokens[j].Symbol)
	})
	for i := range tokens {
		token := &tokens[i]
		meta := state.TokenMetadata{
			Symbol:   token.Symbol,
			Name:     token.Name,
			Decimals: token.Decimals,
			Native:   token.Native,
			Wraps:    normalizeSymbol(token.Wraps),
		}
		if err := ledger.RegisterToken(meta); err != nil {
			return fmt.Errorf("register token %q: %w", token.Symbol, err)
		}
	}

	allocAddrs := make([]string, 0, len(spec.Alloc))
	for addrStr := range spec.Alloc {
		allocAddrs = append(allocAddrs, addrStr)
	}
	sort.Strings(allocAddrs)
	for _, addrStr := range allocAddrs {
		addr, err := crypto.DecodeAddress(addrStr)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		balances := spec.Alloc[addrStr]
		symbols := make([]string, 0, len(balances))
		for symbol := range balances {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			amount, err := parseAmount(balances[symbol])
			if err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", addrStr, symbol, err)
			}
			if err := ledger.SetBalance(addr, symbol, amount); err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", addrStr, symbol, err)
			}
		}
	}

	for i := range spec.Markets {
		m := &spec.Markets[i]
		rate, err := parsePositiveAmount(m.RedeemRateRay)
		if err != nil {
			return fmt.Errorf("market[%q]: %w", m.ID, err)
		}
		if err := ledger.PutMarket(&market.Market{
			ID:            m.ID,
			Underlying:    normalizeSymbol(m.Underlying),
			ReceiptToken:  normalizeSymbol(m.ReceiptToken),
			RedeemRateRay: rate,
			Paused:        m.Paused,
		}); err != nil {
			return fmt.Errorf("market[%q]: %w", m.ID, err)
		}
		if m.Reserve != "" {
			reserve, err := parseAmount(m.Reserve)
			if err != nil {
				return fmt.Errorf("market[%q]: reserve: %w", m.ID, err)
			}
			if reserve.Sign() > 0 {
				moduleAddr := crypto.ModuleAddress("market/" + m.ID)
				if err := ledger.Credit(moduleAddr, m.Underlying, reserve); err != nil {
					return fmt.Errorf("market[%q]: reserve: %w", m.ID, err)
				}
			}
		}
		debtAddrs := make([]string, 0, len(m.Debts))
		for addrStr := range m.Debts {
			debtAddrs = append(debtAddrs, addrStr)
		}
		sort.Strings(debtAddrs)
		for _, addrStr := range debtAddrs {
			addr, err := crypto.DecodeAddress(addrStr)
			if err != nil {
				return fmt.Errorf("market[%q] debts[%q]: %w", m.ID, addrStr, err)
			}
			amount, err := parseAmount(m.Debts[addrStr])
			if err != nil {
				return fmt.Errorf("market[%q] debts[%q]: %w", m.ID, addrStr, err)
			}
			if err := ledger.PutDebt(m.ID, addr, amount); err != nil {
				return fmt.Errorf("market[%q] debts[%q]: %w", m.ID, addrStr, err)
			}
		}
	}

	for i := range spec.Venues {
		v := &spec.Venues[i]
		rate, err := parsePositiveAmount(v.RateRay)
		if err != nil {
			return fmt.Errorf("venue[%q]: %w", v.ID, err)
		}
		if err := ledger.PutPool(&venue.Pool{
			ID:      v.ID,
			Token0:  normalizeSymbol(v.Token0),
			Token1:  normalizeSymbol(v.Token1),
			FeeBps:  v.FeeBps,
			RateRay: rate,
		}); err != nil {
			return fmt.Errorf("venue[%q]: %w", v.ID, err)
		}
		moduleAddr := crypto.ModuleAddress("venue/" + v.ID)
		reserveSymbols := make([]string, 0, len(v.Reserves))
		for symbol := range v.Reserves {
			reserveSymbols = append(reserveSymbols, symbol)
		}
		sort.Strings(reserveSymbols)
		for _, symbol := range reserveSymbols {
			amount, err := parseAmount(v.Reserves[symbol])
			if err != nil {
				return fmt.Errorf("venue[%q] reserves[%q]: %w", v.ID, symbol, err)
			}
			if amount.Sign() > 0 {
				if err := ledger.Credit(moduleAddr, symbol, amount); err != nil {
					return fmt.Errorf("venue[%q] reserves[%q]: %w", v.ID, symbol, err)
				}
			}
		}
	}

	if spec.Target != nil {
		factors := make([]target.CollateralFactor, 0, len(spec.Target.Factors))
		for _, factor := range spec.Target.Factors {
			factors = append(factors, target.CollateralFactor{
				Token:     normalizeSymbol(factor.Token),
				FactorBps: factor.FactorBps,
			})
		}
		if err := ledger.PutProtocol(&target.Protocol{
			BaseToken: normalizeSymbol(spec.Target.BaseToken),
			Factors:   factors,
			Paused:    spec.Target.Paused,
		}); err != nil {
			return fmt.Errorf("target: %w", err)
		}
		if spec.Target.Liquidity != "" {
			liquidity, err := parseAmount(spec.Target.Liquidity)
			if err != nil {
				return fmt.Errorf("target: liquidity: %w", err)
			}
			if liquidity.Sign() > 0 {
				if err := ledger.Credit(crypto.ModuleAddress("target"), spec.Target.BaseToken, liquidity); err != nil {
					return fmt.Errorf("target: liquidity: %w", err)
				}
			}
		}
	}

	for i := range spec.Positions {
		p := &spec.Positions[i]
		addr, err := crypto.DecodeAddress(p.Address)
		if err != nil {
			return fmt.Errorf("position[%d]: %w", i, err)
		}
		position := &target.Position{}
		symbols := make([]string, 0, len(p.Supplied))
		for symbol := range p.Supplied {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			amount, err := parseAmount(p.Supplied[symbol])
			if err != nil {
				return fmt.Errorf("position[%d] supplied[%q]: %w", i, symbol, err)
			}
			position.Supplied = append(position.Supplied, target.SuppliedBalance{
				Token:  normalizeSymbol(symbol),
				Amount: amount,
			})
		}
		if p.DebtBase != "" {
			debt, err := parseAmount(p.DebtBase)
			if err != nil {
				return fmt.Errorf("position[%d]: debtBase: %w", i, err)
			}
			position.DebtBase = debt
		}
		if err := ledger.PutPosition(addr, position); err != nil {
			return fmt.Errorf("position[%d]: %w", i, err)
		}
	}

	if spec.Migration != nil {
		cfg, err := spec.MigrationConfig()
		if err != nil {
			return fmt.Errorf("migration: %w", err)
		}
		if err := ledger.PutMigrationConfig(cfg); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

// MigrationConfig resolves the spec's migration section into the
// orchestrator's configuration.
func (s *Spec) MigrationConfig() (migration.Config, error) {
	if s.Migration == nil {
		return migration.Config{}, fmt.Errorf("genesis spec has no migration section")
	}
	recipient, err := crypto.DecodeAddress(s.Migration.SweepRecipient)
	if err != nil {
		return migration.Config{}, fmt.Errorf("sweepRecipient: %w", err)
	}
	accepted := make([]string, 0, len(s.Migration.AcceptedCollateral))
	for _, token := range s.Migration.AcceptedCollateral {
		accepted = append(accepted, normalizeSymbol(token))
	}
	return migration.Config{
		SweepRecipient:     recipient,
		AcceptedCollateral: accepted,
		MaxPlanSteps:       s.Migration.MaxPlanSteps,
	}, nil
}

// DefaultSpec builds the development genesis used when a node starts with
// autogenesis enabled: one stable base token, a wrapped native pair, a single
// legacy market and venue, and a treasury sweep recipient.
func DefaultSpec() *Spec {
	treasury := crypto.ModuleAddress("treasury").String()
	faucet := crypto.ModuleAddress("faucet").String()
	return &Spec{
		GenesisTime: "2024-01-01T00:00:00Z",
		Tokens: []TokenSpec{
			{Symbol: "RFI", Name: "Refi", Decimals: 18, Native: true},
			{Symbol: "WRFI", Name: "Wrapped Refi", Decimals: 18, Wraps: "RFI"},
			{Symbol: "USD", Name: "Settlement Dollar", Decimals: 6},
			{Symbol: "CUSD", Name: "Legacy USD Receipt", Decimals: 6},
		},
		Alloc: map[string]map[string]string{
			faucet: {"USD": "1000000000", "RFI": "1000000000"},
		},
		Markets: []MarketSpec{
			{
				ID:            "legacy-usd",
				Underlying:    "USD",
				ReceiptToken:  "CUSD",
				RedeemRateRay: rayOne,
				Reserve:       "1000000000",
			},
		},
		Venues: []VenueSpec{
			{
				ID:       "amm-usd",
				Token0:   "USD",
				Token1:   "WRFI",
				FeeBps:   30,
				RateRay:  rayOne,
				Reserves: map[string]string{"USD": "1000000000"},
			},
		},
		Target: &TargetSpec{
			BaseToken: "USD",
			Factors: []FactorSpec{
				{Token: "WRFI", FactorBps: 8_000},
				{Token: "USD", FactorBps: 9_000},
			},
			Liquidity: "1000000000",
		},
		Migration: &MigrationSpec{
			SweepRecipient:     treasury,
			AcceptedCollateral: []string{"CUSD"},
			MaxPlanSteps:       8,
		},
	}
}
