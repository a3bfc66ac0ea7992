package state

import (
	"errors"
	"math/big"
	"testing"

	"refi/native/market"
	"refi/native/target"
	"refi/native/venue"
	"refi/storage"
)

func TestMarketRoundTripAndIndex(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	ray := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

	if got, err := ledger.GetMarket("legacy-usd"); err != nil || got != nil {
		t.Fatalf("absent market: got %+v err %v", got, err)
	}
	if err := ledger.PutMarket(&market.Market{Underlying: "USD"}); err == nil {
		t.Fatal("market without id accepted")
	}

	stored := &market.Market{ID: "legacy-usd", Underlying: "USD", ReceiptToken: "CUSD", RedeemRateRay: ray}
	if err := ledger.PutMarket(stored); err != nil {
		t.Fatalf("put market: %v", err)
	}
	if err := ledger.PutMarket(&market.Market{ID: "legacy-rfi", Underlying: "RFI", ReceiptToken: "CRFI", RedeemRateRay: ray}); err != nil {
		t.Fatalf("put market: %v", err)
	}
	// Re-putting an existing id updates in place without duplicating the
	// index entry.
	stored.Paused = true
	if err := ledger.PutMarket(stored); err != nil {
		t.Fatalf("update market: %v", err)
	}

	ids, err := ledger.MarketIDs()
	if err != nil {
		t.Fatalf("market ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "legacy-rfi" || ids[1] != "legacy-usd" {
		t.Fatalf("unexpected index %v", ids)
	}

	loaded, err := ledger.GetMarket("legacy-usd")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if loaded == nil || !loaded.Paused || loaded.ReceiptToken != "CUSD" {
		t.Fatalf("unexpected market %+v", loaded)
	}
	// Mutating the returned copy must not touch the stored record.
	loaded.ReceiptToken = "HACK"
	again, _ := ledger.GetMarket("legacy-usd")
	if again.ReceiptToken != "CUSD" {
		t.Fatal("stored market mutated through a read copy")
	}
}

func TestDebtLifecycle(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	user := makeAddress("user", 1)

	debt, err := ledger.GetDebt("legacy-usd", user)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if debt != nil {
		t.Fatalf("expected nil debt, got %s", debt)
	}
	if err := ledger.PutDebt("legacy-usd", user, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := ledger.PutDebt("legacy-usd", user, big.NewInt(1_000)); err != nil {
		t.Fatalf("put debt: %v", err)
	}
	debt, err = ledger.GetDebt("legacy-usd", user)
	if err != nil || debt.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("debt: got %s err %v", debt, err)
	}
	// Debts are keyed per market; another market sees nothing.
	other, err := ledger.GetDebt("legacy-usd2", user)
	if err != nil || other != nil {
		t.Fatalf("cross-market debt leak: got %s err %v", other, err)
	}
	if err := ledger.PutDebt("legacy-usd", user, nil); err != nil {
		t.Fatalf("clear debt: %v", err)
	}
	debt, _ = ledger.GetDebt("legacy-usd", user)
	if debt == nil || debt.Sign() != 0 {
		t.Fatalf("cleared debt: got %s", debt)
	}
}

func TestPoolRoundTrip(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	two := new(big.Int).Mul(new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil), big.NewInt(2))

	if err := ledger.PutPool(&venue.Pool{Token0: "USD"}); err == nil {
		t.Fatal("pool without id accepted")
	}
	if err := ledger.PutPool(&venue.Pool{ID: "amm-usd", Token0: "USD", Token1: "WRFI", FeeBps: 30, RateRay: two}); err != nil {
		t.Fatalf("put pool: %v", err)
	}
	pool, err := ledger.GetPool("amm-usd")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool == nil || pool.FeeBps != 30 || pool.RateRay.Cmp(two) != 0 {
		t.Fatalf("unexpected pool %+v", pool)
	}
	ids, err := ledger.PoolIDs()
	if err != nil || len(ids) != 1 || ids[0] != "amm-usd" {
		t.Fatalf("pool ids: %v err %v", ids, err)
	}
}

func TestProtocolAndPositionRoundTrip(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	user := makeAddress("user", 1)

	if got, err := ledger.GetProtocol(); err != nil || got != nil {
		t.Fatalf("absent protocol: got %+v err %v", got, err)
	}
	if err := ledger.PutProtocol(&target.Protocol{}); err == nil {
		t.Fatal("protocol without base token accepted")
	}
	if err := ledger.PutProtocol(&target.Protocol{
		BaseToken: "USD",
		Factors:   []target.CollateralFactor{{Token: "WRFI", FactorBps: 8_000}},
	}); err != nil {
		t.Fatalf("put protocol: %v", err)
	}
	protocol, err := ledger.GetProtocol()
	if err != nil || protocol == nil || protocol.BaseToken != "USD" {
		t.Fatalf("protocol: %+v err %v", protocol, err)
	}
	if factor, ok := protocol.FactorFor("WRFI"); !ok || factor != 8_000 {
		t.Fatalf("factor: %d ok=%v", factor, ok)
	}

	if got, err := ledger.GetPosition(user); err != nil || got != nil {
		t.Fatalf("absent position: got %+v err %v", got, err)
	}
	if err := ledger.PutPosition(user, &target.Position{
		Supplied: []target.SuppliedBalance{{Token: "USD", Amount: big.NewInt(2_000)}},
	}); err != nil {
		t.Fatalf("put position: %v", err)
	}
	position, err := ledger.GetPosition(user)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if position.SuppliedOf("USD").Cmp(big.NewInt(2_000)) != 0 || position.Debt().Sign() != 0 {
		t.Fatalf("position: %+v", position)
	}
}

func TestSnapshotRevertSpansRecords(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	user := makeAddress("user", 1)
	ray := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

	if err := ledger.PutMarket(&market.Market{ID: "legacy-usd", Underlying: "USD", ReceiptToken: "CUSD", RedeemRateRay: ray}); err != nil {
		t.Fatalf("put market: %v", err)
	}
	if err := ledger.PutDebt("legacy-usd", user, big.NewInt(1_000)); err != nil {
		t.Fatalf("put debt: %v", err)
	}

	snap := ledger.Snapshot()
	if err := ledger.PutDebt("legacy-usd", user, big.NewInt(0)); err != nil {
		t.Fatalf("overwrite debt: %v", err)
	}
	if err := ledger.PutPosition(user, &target.Position{DebtBase: big.NewInt(1_003)}); err != nil {
		t.Fatalf("put position: %v", err)
	}
	if err := ledger.PutPool(&venue.Pool{ID: "amm-usd", Token0: "USD", Token1: "WRFI", RateRay: ray}); err != nil {
		t.Fatalf("put pool: %v", err)
	}
	ledger.RevertToSnapshot(snap)

	debt, _ := ledger.GetDebt("legacy-usd", user)
	if debt == nil || debt.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("debt not restored: %s", debt)
	}
	if position, _ := ledger.GetPosition(user); position != nil {
		t.Fatalf("position survived revert: %+v", position)
	}
	if pool, _ := ledger.GetPool("amm-usd"); pool != nil {
		t.Fatalf("pool survived revert: %+v", pool)
	}
	ids, _ := ledger.PoolIDs()
	if len(ids) != 0 {
		t.Fatalf("pool index survived revert: %v", ids)
	}
}
