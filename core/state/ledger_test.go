package state

import (
	"errors"
	"math/big"
	"testing"

	"refi/crypto"
	"refi/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger := NewLedger(storage.NewMemDB())
	if err := ledger.RegisterToken(TokenMetadata{Symbol: "usd", Name: "Settlement Dollar", Decimals: 6}); err != nil {
		t.Fatalf("register token: %v", err)
	}
	return ledger
}

func makeAddress(prefix string, suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	copy(raw, prefix)
	raw[crypto.AddressLength-1] = suffix
	return crypto.MustNewAddress(raw)
}

func TestRegisterTokenNormalizesAndIndexes(t *testing.T) {
	ledger := newTestLedger(t)
	meta, err := ledger.Token("  Usd ")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if meta == nil || meta.Symbol != "USD" {
		t.Fatalf("expected normalized USD metadata, got %+v", meta)
	}
	if err := ledger.RegisterToken(TokenMetadata{Symbol: "USD"}); !errors.Is(err, ErrTokenExists) {
		t.Fatalf("expected ErrTokenExists, got %v", err)
	}
	list, err := ledger.TokenList()
	if err != nil {
		t.Fatalf("token list: %v", err)
	}
	if len(list) != 1 || list[0] != "USD" {
		t.Fatalf("unexpected token list %v", list)
	}
}

func TestBalanceLifecycle(t *testing.T) {
	ledger := newTestLedger(t)
	alice := makeAddress("alice", 1)
	bob := makeAddress("bob", 2)

	if _, err := ledger.BalanceOf(alice, "wbtc"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	balance, err := ledger.BalanceOf(alice, "usd")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected zero opening balance, got %s", balance)
	}

	if err := ledger.Credit(alice, "usd", big.NewInt(1_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Transfer(alice, bob, "usd", big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.Debit(bob, "usd", big.NewInt(500)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	aliceBalance, _ := ledger.BalanceOf(alice, "usd")
	bobBalance, _ := ledger.BalanceOf(bob, "usd")
	if aliceBalance.Int64() != 600 || bobBalance.Int64() != 400 {
		t.Fatalf("unexpected balances alice=%s bob=%s", aliceBalance, bobBalance)
	}
}

func TestCreditRejectsOverflowAndNegative(t *testing.T) {
	ledger := newTestLedger(t)
	alice := makeAddress("alice", 1)

	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if err := ledger.Credit(alice, "usd", maxUint256); err != nil {
		t.Fatalf("credit max: %v", err)
	}
	if err := ledger.Credit(alice, "usd", big.NewInt(1)); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
	if err := ledger.Credit(alice, "usd", big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := ledger.Debit(alice, "usd", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
}

func TestSnapshotRevertRestoresEveryWrite(t *testing.T) {
	ledger := newTestLedger(t)
	alice := makeAddress("alice", 1)
	bob := makeAddress("bob", 2)
	if err := ledger.Credit(alice, "usd", big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	snap := ledger.Snapshot()
	if err := ledger.Transfer(alice, bob, "usd", big.NewInt(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.RegisterToken(TokenMetadata{Symbol: "WRFI", Wraps: "RFI"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ledger.RevertToSnapshot(snap)

	aliceBalance, _ := ledger.BalanceOf(alice, "usd")
	if aliceBalance.Int64() != 100 {
		t.Fatalf("revert lost alice balance: %s", aliceBalance)
	}
	bobBalance, _ := ledger.BalanceOf(bob, "usd")
	if bobBalance.Sign() != 0 {
		t.Fatalf("revert left bob funded: %s", bobBalance)
	}
	meta, err := ledger.Token("WRFI")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if meta != nil {
		t.Fatal("revert should remove token registration")
	}
}

func TestNestedSnapshots(t *testing.T) {
	ledger := newTestLedger(t)
	alice := makeAddress("alice", 1)
	if err := ledger.Credit(alice, "usd", big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	outer := ledger.Snapshot()
	_ = ledger.Credit(alice, "usd", big.NewInt(5))
	inner := ledger.Snapshot()
	_ = ledger.Credit(alice, "usd", big.NewInt(7))
	ledger.RevertToSnapshot(inner)
	balance, _ := ledger.BalanceOf(alice, "usd")
	if balance.Int64() != 15 {
		t.Fatalf("inner revert: got %s", balance)
	}
	ledger.RevertToSnapshot(outer)
	balance, _ = ledger.BalanceOf(alice, "usd")
	if balance.Int64() != 10 {
		t.Fatalf("outer revert: got %s", balance)
	}
}

func TestCommitPersistsAcrossLedgers(t *testing.T) {
	db := storage.NewMemDB()
	ledger := NewLedger(db)
	if err := ledger.RegisterToken(TokenMetadata{Symbol: "USD", Decimals: 6}); err != nil {
		t.Fatalf("register: %v", err)
	}
	alice := makeAddress("alice", 1)
	if err := ledger.Credit(alice, "usd", big.NewInt(123)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.KVPut([]byte("migration/test"), "marker"); err != nil {
		t.Fatalf("kvput: %v", err)
	}
	if err := ledger.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened := NewLedger(db)
	balance, err := reopened.BalanceOf(alice, "USD")
	if err != nil {
		t.Fatalf("balance after reopen: %v", err)
	}
	if balance.Int64() != 123 {
		t.Fatalf("persisted balance mismatch: %s", balance)
	}
	var marker string
	ok, err := reopened.KVGet([]byte("migration/test"), &marker)
	if err != nil || !ok {
		t.Fatalf("kvget: ok=%v err=%v", ok, err)
	}
	if marker != "marker" {
		t.Fatalf("unexpected marker %q", marker)
	}
}

func TestRevertToUnknownSnapshotPanics(t *testing.T) {
	ledger := newTestLedger(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown snapshot")
		}
	}()
	ledger.RevertToSnapshot(99)
}
