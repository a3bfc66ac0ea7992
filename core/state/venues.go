package state

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"refi/native/venue"
)

// GetPool loads a venue's pool configuration, nil when it is not registered.
func (l *Ledger) GetPool(id string) (*venue.Pool, error) {
	data, ok, err := l.read(poolKey(id))
	if err != nil || !ok {
		return nil, err
	}
	pool := new(venue.Pool)
	if err := rlp.DecodeBytes(data, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// PutPool stores a venue's pool configuration and indexes its id.
func (l *Ledger) PutPool(p *venue.Pool) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("state: pool requires an id")
	}
	stored := p.Clone()
	if stored.RateRay == nil {
		stored.RateRay = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	l.write(poolKey(p.ID), encoded)

	ids, err := l.PoolIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == p.ID {
			return nil
		}
	}
	ids = append(ids, p.ID)
	sort.Strings(ids)
	encodedIDs, err := rlp.EncodeToBytes(ids)
	if err != nil {
		return err
	}
	l.write(poolListKey, encodedIDs)
	return nil
}

// PoolIDs returns the registered venue ids in sorted order.
func (l *Ledger) PoolIDs() ([]string, error) {
	data, ok, err := l.read(poolListKey)
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
