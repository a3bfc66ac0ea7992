package target

import (
	"errors"
	"math/big"
	"testing"

	"refi/crypto"
	nativecommon "refi/native/common"
)

type mockEngineState struct {
	protocol  *Protocol
	positions map[string]*Position
	balances  map[string]*big.Int
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		positions: make(map[string]*Position),
		balances:  make(map[string]*big.Int),
	}
}

func balKey(addr crypto.Address, token string) string {
	return token + "|" + addr.String()
}

func (m *mockEngineState) GetProtocol() (*Protocol, error) {
	return m.protocol.Clone(), nil
}

func (m *mockEngineState) GetPosition(addr crypto.Address) (*Position, error) {
	return m.positions[addr.String()].Clone(), nil
}

func (m *mockEngineState) PutPosition(addr crypto.Address, position *Position) error {
	m.positions[addr.String()] = position.Clone()
	return nil
}

func (m *mockEngineState) BalanceOf(addr crypto.Address, token string) (*big.Int, error) {
	if balance, ok := m.balances[balKey(addr, token)]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockEngineState) setBalance(addr crypto.Address, token string, amount int64) {
	m.balances[balKey(addr, token)] = big.NewInt(amount)
}

func (m *mockEngineState) Transfer(from, to crypto.Address, token string, amount *big.Int) error {
	balance, _ := m.BalanceOf(from, token)
	if balance.Cmp(amount) < 0 {
		return errors.New("mock: insufficient balance")
	}
	m.balances[balKey(from, token)] = balance.Sub(balance, amount)
	credit, _ := m.BalanceOf(to, token)
	m.balances[balKey(to, token)] = credit.Add(credit, amount)
	return nil
}

func makeAddress(prefix string, suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	copy(raw, prefix)
	raw[crypto.AddressLength-1] = suffix
	return crypto.MustNewAddress(raw)
}

func newTestEngine(t *testing.T) (*Engine, *mockEngineState) {
	t.Helper()
	state := newMockEngineState()
	state.protocol = &Protocol{
		BaseToken: "USD",
		Factors: []CollateralFactor{
			{Token: "USD", FactorBps: 9_000},
			{Token: "WRFI", FactorBps: 8_000},
		},
	}
	engine := NewEngine(crypto.ModuleAddress("target"))
	engine.SetState(state)
	return engine, state
}

func TestSupplyOnBehalfCreditsPosition(t *testing.T) {
	engine, state := newTestEngine(t)
	user := makeAddress("user", 1)
	payer := makeAddress("payer", 2)
	state.setBalance(payer, "WRFI", 500)

	code, err := engine.SupplyOnBehalf(user, payer, "WRFI", big.NewInt(300))
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if code != CodeOK {
		t.Fatalf("unexpected code %d (%s)", code, CodeString(code))
	}
	position, err := engine.PositionOf(user)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.SuppliedOf("WRFI").Int64() != 300 {
		t.Fatalf("supplied = %s, want 300", position.SuppliedOf("WRFI"))
	}
	moduleBalance, _ := state.BalanceOf(engine.ModuleAddress(), "WRFI")
	if moduleBalance.Int64() != 300 {
		t.Fatalf("module balance = %s, want 300", moduleBalance)
	}

	// A second supply of the same token accumulates in place.
	if code, err := engine.SupplyOnBehalf(user, payer, "WRFI", big.NewInt(200)); err != nil || code != CodeOK {
		t.Fatalf("second supply: code=%d err=%v", code, err)
	}
	position, _ = engine.PositionOf(user)
	if position.SuppliedOf("WRFI").Int64() != 500 || len(position.Supplied) != 1 {
		t.Fatalf("position: %+v", position)
	}
}

func TestSupplyOnBehalfBusinessCodes(t *testing.T) {
	engine, state := newTestEngine(t)
	user := makeAddress("user", 1)
	payer := makeAddress("payer", 2)
	state.setBalance(payer, "CUSD", 500)

	code, err := engine.SupplyOnBehalf(user, payer, "CUSD", big.NewInt(100))
	if err != nil || code != CodeUnsupportedCollateral {
		t.Fatalf("expected CodeUnsupportedCollateral, got code=%d err=%v", code, err)
	}

	state.protocol.Paused = true
	state.setBalance(payer, "WRFI", 500)
	code, err = engine.SupplyOnBehalf(user, payer, "WRFI", big.NewInt(100))
	if err != nil || code != CodePaused {
		t.Fatalf("expected CodePaused, got code=%d err=%v", code, err)
	}
}

func TestSupplyOnBehalfPayerShortfallIsInfraError(t *testing.T) {
	engine, state := newTestEngine(t)
	user := makeAddress("user", 1)
	payer := makeAddress("payer", 2)
	state.setBalance(payer, "WRFI", 10)

	if _, err := engine.SupplyOnBehalf(user, payer, "WRFI", big.NewInt(100)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBorrowOnBehalfWithinCapacity(t *testing.T) {
	engine, state := newTestEngine(t)
	user := makeAddress("user", 1)
	recipient := makeAddress("recipient", 3)
	state.positions[user.String()] = &Position{
		Supplied: []SuppliedBalance{{Token: "USD", Amount: big.NewInt(2_000)}},
	}
	state.setBalance(engine.ModuleAddress(), "USD", 5_000)

	// Capacity is 2000 * 90% = 1800.
	code, err := engine.BorrowOnBehalf(user, recipient, big.NewInt(1_800))
	if err != nil || code != CodeOK {
		t.Fatalf("borrow: code=%d err=%v", code, err)
	}
	position, _ := engine.PositionOf(user)
	if position.Debt().Int64() != 1_800 {
		t.Fatalf("debt = %s, want 1800", position.Debt())
	}
	got, _ := state.BalanceOf(recipient, "USD")
	if got.Int64() != 1_800 {
		t.Fatalf("recipient balance = %s, want 1800", got)
	}

	// The next unit of debt breaches the health check.
	code, err = engine.BorrowOnBehalf(user, recipient, big.NewInt(1))
	if err != nil || code != CodeHealthCheckFailed {
		t.Fatalf("expected CodeHealthCheckFailed, got code=%d err=%v", code, err)
	}
}

func TestBorrowOnBehalfWeighsMixedCollateral(t *testing.T) {
	engine, state := newTestEngine(t)
	user := makeAddress("user", 1)
	recipient := makeAddress("recipient", 3)
	state.positions[user.String()] = &Position{
		Supplied: []SuppliedBalance{
			{Token: "USD", Amount: big.NewInt(1_000)},
			{Token: "WRFI", Amount: big.NewInt(500)},
		},
	}
	state.setBalance(engine.ModuleAddress(), "USD", 5_000)

	// 1000*90% + 500*80% = 1300.
	code, err := engine.BorrowOnBehalf(user, recipient, big.NewInt(1_300))
	if err != nil || code != CodeOK {
		t.Fatalf("borrow: code=%d err=%v", code, err)
	}
	if code, err := engine.BorrowOnBehalf(user, recipient, big.NewInt(1)); err != nil || code != CodeHealthCheckFailed {
		t.Fatalf("expected CodeHealthCheckFailed, got code=%d err=%v", code, err)
	}
}

func TestBorrowOnBehalfLiquidityShortfall(t *testing.T) {
	engine, state := newTestEngine(t)
	user := makeAddress("user", 1)
	recipient := makeAddress("recipient", 3)
	state.positions[user.String()] = &Position{
		Supplied: []SuppliedBalance{{Token: "USD", Amount: big.NewInt(2_000)}},
	}
	state.setBalance(engine.ModuleAddress(), "USD", 100)

	code, err := engine.BorrowOnBehalf(user, recipient, big.NewInt(500))
	if err != nil || code != CodeInsufficientLiquidity {
		t.Fatalf("expected CodeInsufficientLiquidity, got code=%d err=%v", code, err)
	}
	position, _ := engine.PositionOf(user)
	if position.Debt().Sign() != 0 {
		t.Fatalf("debt must be untouched by rejections, got %s", position.Debt())
	}
}

func TestWithdrawOnBehalfKeepsPositionHealthy(t *testing.T) {
	engine, state := newTestEngine(t)
	user := makeAddress("user", 1)
	recipient := makeAddress("recipient", 3)
	state.positions[user.String()] = &Position{
		Supplied: []SuppliedBalance{{Token: "USD", Amount: big.NewInt(2_000)}},
		DebtBase: big.NewInt(900),
	}
	state.setBalance(engine.ModuleAddress(), "USD", 2_000)

	// Withdrawing 1000 leaves capacity 900, exactly covering the debt.
	code, err := engine.WithdrawOnBehalf(user, recipient, "USD", big.NewInt(1_000))
	if err != nil || code != CodeOK {
		t.Fatalf("withdraw: code=%d err=%v", code, err)
	}
	got, _ := state.BalanceOf(recipient, "USD")
	if got.Int64() != 1_000 {
		t.Fatalf("recipient balance = %s, want 1000", got)
	}

	if code, err := engine.WithdrawOnBehalf(user, recipient, "USD", big.NewInt(1)); err != nil || code != CodeHealthCheckFailed {
		t.Fatalf("expected CodeHealthCheckFailed, got code=%d err=%v", code, err)
	}
	if code, err := engine.WithdrawOnBehalf(user, recipient, "USD", big.NewInt(5_000)); err != nil || code != CodeInsufficientCollateral {
		t.Fatalf("expected CodeInsufficientCollateral, got code=%d err=%v", code, err)
	}
}

func TestPositionOfDefaultsToEmpty(t *testing.T) {
	engine, _ := newTestEngine(t)
	position, err := engine.PositionOf(makeAddress("user", 1))
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position == nil || position.Debt().Sign() != 0 || len(position.Supplied) != 0 {
		t.Fatalf("expected empty position, got %+v", position)
	}
}

func TestUnseededProtocolIsReported(t *testing.T) {
	engine := NewEngine(crypto.ModuleAddress("target"))
	engine.SetState(newMockEngineState())
	if _, err := engine.BaseToken(); !errors.Is(err, errProtocolNotFound) {
		t.Fatalf("expected protocol-not-configured, got %v", err)
	}
}

func TestPauseViewBlocksOperations(t *testing.T) {
	engine, state := newTestEngine(t)
	engine.SetPauses(nativecommon.StaticPauses{"target": true})
	user := makeAddress("user", 1)
	payer := makeAddress("payer", 2)
	state.setBalance(payer, "WRFI", 500)

	if _, err := engine.SupplyOnBehalf(user, payer, "WRFI", big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := engine.BorrowOnBehalf(user, payer, big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}
