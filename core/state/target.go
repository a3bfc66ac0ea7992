package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"refi/crypto"
	"refi/native/target"
)

// GetProtocol loads the target protocol configuration, nil before genesis
// seeds it.
func (l *Ledger) GetProtocol() (*target.Protocol, error) {
	data, ok, err := l.read(protocolKey)
	if err != nil || !ok {
		return nil, err
	}
	protocol := new(target.Protocol)
	if err := rlp.DecodeBytes(data, protocol); err != nil {
		return nil, err
	}
	return protocol, nil
}

// PutProtocol stores the target protocol configuration.
func (l *Ledger) PutProtocol(p *target.Protocol) error {
	if p == nil || p.BaseToken == "" {
		return fmt.Errorf("state: protocol requires a base token")
	}
	encoded, err := rlp.EncodeToBytes(p.Clone())
	if err != nil {
		return err
	}
	l.write(protocolKey, encoded)
	return nil
}

// GetPosition loads a user's target position, nil when none exists.
func (l *Ledger) GetPosition(addr crypto.Address) (*target.Position, error) {
	data, ok, err := l.read(positionKey(addr.Bytes()))
	if err != nil || !ok {
		return nil, err
	}
	position := new(target.Position)
	if err := rlp.DecodeBytes(data, position); err != nil {
		return nil, err
	}
	return position, nil
}

// PutPosition stores a user's target position.
func (l *Ledger) PutPosition(addr crypto.Address, position *target.Position) error {
	if position == nil {
		return fmt.Errorf("state: position required")
	}
	stored := position.Clone()
	if stored.DebtBase == nil {
		stored.DebtBase = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	l.write(positionKey(addr.Bytes()), encoded)
	return nil
}
