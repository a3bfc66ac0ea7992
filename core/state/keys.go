package state

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// State keys are keccak hashes of prefixed plaintext so unrelated namespaces
// cannot collide and keys have a uniform length in the backing store.
var (
	tokenPrefix    = []byte("token:")
	tokenListKey   = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix  = []byte("balance:")
	marketPrefix   = []byte("market:")
	marketListKey  = ethcrypto.Keccak256([]byte("market-list"))
	debtPrefix     = []byte("debt:")
	poolPrefix     = []byte("pool:")
	poolListKey    = ethcrypto.Keccak256([]byte("pool-list"))
	protocolKey    = ethcrypto.Keccak256([]byte("target-protocol"))
	positionPrefix = []byte("target-position:")
)

func tokenKey(symbol string) []byte {
	buf := make([]byte, len(tokenPrefix)+len(symbol))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], symbol)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(addr []byte, symbol string) []byte {
	buf := make([]byte, len(balancePrefix)+len(symbol)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], symbol)
	buf[len(balancePrefix)+len(symbol)] = ':'
	copy(buf[len(balancePrefix)+len(symbol)+1:], addr)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func marketKey(id string) []byte {
	buf := make([]byte, len(marketPrefix)+len(id))
	copy(buf, marketPrefix)
	copy(buf[len(marketPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func debtKey(marketID string, addr []byte) []byte {
	buf := make([]byte, len(debtPrefix)+len(marketID)+1+len(addr))
	copy(buf, debtPrefix)
	copy(buf[len(debtPrefix):], marketID)
	buf[len(debtPrefix)+len(marketID)] = ':'
	copy(buf[len(debtPrefix)+len(marketID)+1:], addr)
	return ethcrypto.Keccak256(buf)
}

func poolKey(id string) []byte {
	buf := make([]byte, len(poolPrefix)+len(id))
	copy(buf, poolPrefix)
	copy(buf[len(poolPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func positionKey(addr []byte) []byte {
	buf := make([]byte, len(positionPrefix)+len(addr))
	copy(buf, positionPrefix)
	copy(buf[len(positionPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}
