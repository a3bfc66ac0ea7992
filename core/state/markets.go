package state

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"refi/crypto"
	"refi/native/market"
)

// GetMarket loads a market's configuration, nil when it is not registered.
func (l *Ledger) GetMarket(id string) (*market.Market, error) {
	data, ok, err := l.read(marketKey(id))
	if err != nil || !ok {
		return nil, err
	}
	loaded := new(market.Market)
	if err := rlp.DecodeBytes(data, loaded); err != nil {
		return nil, err
	}
	return loaded, nil
}

// PutMarket stores a market's configuration and indexes its id.
func (l *Ledger) PutMarket(m *market.Market) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("state: market requires an id")
	}
	stored := m.Clone()
	if stored.RedeemRateRay == nil {
		stored.RedeemRateRay = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	l.write(marketKey(m.ID), encoded)

	ids, err := l.MarketIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == m.ID {
			return nil
		}
	}
	ids = append(ids, m.ID)
	sort.Strings(ids)
	encodedIDs, err := rlp.EncodeToBytes(ids)
	if err != nil {
		return err
	}
	l.write(marketListKey, encodedIDs)
	return nil
}

// MarketIDs returns the registered market ids in sorted order.
func (l *Ledger) MarketIDs() ([]string, error) {
	data, ok, err := l.read(marketListKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	var ids []string
	if err := rlp.DecodeBytes(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetDebt loads a user's debt in a market, nil when none is recorded.
func (l *Ledger) GetDebt(marketID string, addr crypto.Address) (*big.Int, error) {
	data, ok, err := l.read(debtKey(marketID, addr.Bytes()))
	if err != nil || !ok {
		return nil, err
	}
	debt := new(big.Int)
	if err := rlp.DecodeBytes(data, debt); err != nil {
		return nil, err
	}
	return debt, nil
}

// PutDebt records a user's debt in a market.
func (l *Ledger) PutDebt(marketID string, addr crypto.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	l.write(debtKey(marketID, addr.Bytes()), encoded)
	return nil
}
