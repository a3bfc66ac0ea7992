package venue

import (
	"errors"
	"math/big"
	"testing"

	"refi/crypto"
)

type mockEngineState struct {
	pools    map[string]*Pool
	balances map[string]*big.Int
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		pools:    make(map[string]*Pool),
		balances: make(map[string]*big.Int),
	}
}

func balKey(addr crypto.Address, token string) string {
	return token + "|" + addr.String()
}

func (m *mockEngineState) GetPool(id string) (*Pool, error) {
	return m.pools[id].Clone(), nil
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
	fromBalance, _ := m.BalanceOf(from, token)
	if fromBalance.Cmp(amount) < 0 {
		return errors.New("mock: insufficient balance")
	}
	m.balances[balKey(from, token)] = fromBalance.Sub(fromBalance, amount)
	toBalance, _ := m.BalanceOf(to, token)
	m.balances[balKey(to, token)] = toBalance.Add(toBalance, amount)
	return nil
}

type stubReceiver struct {
	addr    crypto.Address
	state   *mockEngineState
	onCall  func(payload CallbackPayload) error
	caller  crypto.Address
	payload *CallbackPayload
	data    []byte
}

func (r *stubReceiver) ReceiverAddress() crypto.Address { return r.addr }

func (r *stubReceiver) OnLiquidityCallback(caller crypto.Address, payload CallbackPayload, data []byte) error {
	r.caller = caller
	captured := payload
	r.payload = &captured
	r.data = data
	if r.onCall != nil {
		return r.onCall(payload)
	}
	return r.state.Transfer(r.addr, caller, payload.OwedToken, payload.Owed)
}

func makeAddress(prefix string, suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	copy(raw, prefix)
	raw[crypto.AddressLength-1] = suffix
	return crypto.MustNewAddress(raw)
}

func newTestEngine(feeBps uint64, rateRay *big.Int) (*Engine, *mockEngineState) {
	state := newMockEngineState()
	state.pools["amm"] = &Pool{ID: "amm", Token0: "USD", Token1: "EUR", FeeBps: feeBps, RateRay: rateRay}
	engine := NewEngine("amm")
	engine.SetState(state)
	return engine, state
}

func TestFlashLoanRoundTrip(t *testing.T) {
	engine, state := newTestEngine(30, new(big.Int).Set(ray))
	state.setBalance(engine.Address(), "USD", 10_000)
	receiver := &stubReceiver{addr: makeAddress("recv", 1), state: state}
	state.setBalance(receiver.addr, "USD", 10) // fee budget

	if err := engine.FlashLoan("USD", big.NewInt(1000), receiver, []byte("ctx")); err != nil {
		t.Fatalf("flash loan: %v", err)
	}
	if !receiver.caller.Equal(engine.Address()) {
		t.Fatalf("callback caller = %s, want venue module", receiver.caller)
	}
	if string(receiver.data) != "ctx" {
		t.Fatalf("callback data = %q", receiver.data)
	}
	p := receiver.payload
	if p.Method != MethodLoan || p.Token != "USD" || p.OwedToken != "USD" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Amount.Int64() != 1000 || p.Fee.Int64() != 3 || p.Owed.Int64() != 1003 {
		t.Fatalf("loan math: amount=%s fee=%s owed=%s", p.Amount, p.Fee, p.Owed)
	}
	poolBalance, _ := state.BalanceOf(engine.Address(), "USD")
	if poolBalance.Int64() != 10_003 {
		t.Fatalf("pool must net the fee, got %s", poolBalance)
	}
}

func TestFlashLoanNotRepaid(t *testing.T) {
	engine, state := newTestEngine(30, new(big.Int).Set(ray))
	state.setBalance(engine.Address(), "USD", 10_000)
	receiver := &stubReceiver{addr: makeAddress("recv", 1), state: state}
	receiver.onCall = func(payload CallbackPayload) error {
		// Return the principal but keep the fee.
		return state.Transfer(receiver.addr, engine.Address(), payload.Token, payload.Amount)
	}

	err := engine.FlashLoan("USD", big.NewInt(1000), receiver, nil)
	if !errors.Is(err, ErrNotRepaid) {
		t.Fatalf("expected ErrNotRepaid, got %v", err)
	}
}

func TestFlashLoanCallbackFailurePropagates(t *testing.T) {
	engine, state := newTestEngine(0, new(big.Int).Set(ray))
	state.setBalance(engine.Address(), "USD", 500)
	boom := errors.New("downstream failure")
	receiver := &stubReceiver{addr: makeAddress("recv", 1), state: state}
	receiver.onCall = func(CallbackPayload) error { return boom }

	err := engine.FlashLoan("USD", big.NewInt(100), receiver, nil)
	if !errors.Is(err, ErrCallback) {
		t.Fatalf("expected ErrCallback, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("inner error must survive wrapping, got %v", err)
	}
}

func TestFlashLoanInsufficientReserve(t *testing.T) {
	engine, state := newTestEngine(0, new(big.Int).Set(ray))
	state.setBalance(engine.Address(), "USD", 50)
	receiver := &stubReceiver{addr: makeAddress("recv", 1), state: state}

	if err := engine.FlashLoan("USD", big.NewInt(100), receiver, nil); !errors.Is(err, ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}
	if err := engine.FlashLoan("GBP", big.NewInt(10), receiver, nil); err == nil {
		t.Fatal("expected pair rejection for foreign token")
	}
}

func TestSwapExactOutQuotesCounterAsset(t *testing.T) {
	// 1 EUR = 2 USD: RateRay quotes Token1 (EUR) per Token0 (USD).
	halfRay := new(big.Int).Quo(ray, big.NewInt(2))
	engine, state := newTestEngine(50, halfRay)
	state.setBalance(engine.Address(), "EUR", 1000)
	receiver := &stubReceiver{addr: makeAddress("recv", 1), state: state}
	state.setBalance(receiver.addr, "USD", 10_000)

	// Exact output of 100 EUR costs 200 USD plus 0.5% fee = 201 USD.
	if err := engine.SwapExactOut("EUR", big.NewInt(100), receiver, nil); err != nil {
		t.Fatalf("swap: %v", err)
	}
	p := receiver.payload
	if p.Method != MethodSwap || p.Token != "EUR" || p.OwedToken != "USD" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Amount.Int64() != 100 || p.Owed.Int64() != 201 || p.Fee.Int64() != 1 {
		t.Fatalf("swap math: amount=%s owed=%s fee=%s", p.Amount, p.Owed, p.Fee)
	}
	usdBalance, _ := state.BalanceOf(engine.Address(), "USD")
	if usdBalance.Int64() != 201 {
		t.Fatalf("pool USD = %s, want 201", usdBalance)
	}
	eurBalance, _ := state.BalanceOf(engine.Address(), "EUR")
	if eurBalance.Int64() != 900 {
		t.Fatalf("pool EUR = %s, want 900", eurBalance)
	}
}

func TestQuoteMatchesExecution(t *testing.T) {
	engine, state := newTestEngine(30, new(big.Int).Set(ray))
	state.setBalance(engine.Address(), "USD", 10_000)

	owed, fee, err := engine.Quote(MethodLoan, "USD", big.NewInt(1000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if owed.Int64() != 1003 || fee.Int64() != 3 {
		t.Fatalf("loan quote owed=%s fee=%s", owed, fee)
	}

	owed, fee, err = engine.Quote(MethodSwap, "EUR", big.NewInt(400))
	if err != nil {
		t.Fatalf("swap quote: %v", err)
	}
	// 1:1 rate, 0.3% fee on 400 rounds up to 2.
	if owed.Int64() != 402 || fee.Int64() != 2 {
		t.Fatalf("swap quote owed=%s fee=%s", owed, fee)
	}
}

func TestFeeRoundsUp(t *testing.T) {
	engine, state := newTestEngine(1, new(big.Int).Set(ray)) // 1 bp
	state.setBalance(engine.Address(), "USD", 1000)
	receiver := &stubReceiver{addr: makeAddress("recv", 1), state: state}
	state.setBalance(receiver.addr, "USD", 10)

	if err := engine.FlashLoan("USD", big.NewInt(5), receiver, nil); err != nil {
		t.Fatalf("flash loan: %v", err)
	}
	if receiver.payload.Fee.Int64() != 1 {
		t.Fatalf("fee must round up to 1, got %s", receiver.payload.Fee)
	}
}
