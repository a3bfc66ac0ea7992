package migration

import (
	"errors"
	"math/big"
	"testing"

	"refi/crypto"
)

func makeAddress(prefix string, suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	copy(raw, prefix)
	raw[crypto.AddressLength-1] = suffix
	return crypto.MustNewAddress(raw)
}

// stubState satisfies engineState without any backing store, enough for
// wiring checks that never reach a balance.
type stubState struct{}

func (stubState) Snapshot() int                                            { return 0 }
func (stubState) RevertToSnapshot(int)                                     {}
func (stubState) HasToken(string) (bool, error)                            { return false, nil }
func (stubState) IsNativeToken(string) (bool, error)                       { return false, nil }
func (stubState) BalanceOf(crypto.Address, string) (*big.Int, error)       { return big.NewInt(0), nil }
func (stubState) Transfer(_, _ crypto.Address, _ string, _ *big.Int) error { return nil }

func TestEngineRequiresWiring(t *testing.T) {
	engine, err := NewEngine(Config{SweepRecipient: makeAddress("treasury", 2)})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Migrate(&Plan{}); !errors.Is(err, errNilState) {
		t.Fatalf("expected nil state error, got %v", err)
	}
	engine.SetState(stubState{})
	if _, err := engine.Migrate(&Plan{}); !errors.Is(err, errNotConfigured) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewEngineRequiresSweepRecipient(t *testing.T) {
	if _, err := NewEngine(Config{}); !errors.Is(err, errNoSweepRecipient) {
		t.Fatalf("expected sweep recipient error, got %v", err)
	}
}
