package crypto

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AccountHRP is the human-readable prefix carried by every account address.
const AccountHRP = "rfi"

// AddressLength is the raw byte length of an account address.
const AddressLength = 20

const moduleAddressTag = "refi/module/"

// Address represents a 20-byte account address rendered as bech32.
type Address struct {
	bytes []byte
}

// NewAddress wraps the provided raw bytes as an address.
func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes long, got %d", AddressLength, len(b))
	}
	buf := make([]byte, AddressLength)
	copy(buf, b)
	return Address{bytes: buf}, nil
}

// MustNewAddress wraps the provided raw bytes and panics when they are not a
// valid address payload. Intended for fixed, known-good inputs.
func MustNewAddress(b []byte) Address {
	addr, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AccountHRP, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	buf := make([]byte, len(a.bytes))
	copy(buf, a.bytes)
	return buf
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return len(a.bytes) == 0
}

// Equal reports whether both addresses carry the same payload.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}

func DecodeAddress(addrStr string) (Address, error) {
	hrp, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if hrp != AccountHRP {
		return Address{}, fmt.Errorf("unexpected address prefix %q", hrp)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// ModuleAddress derives the deterministic account owned by a named module.
// Module accounts have no keys; they exist so engine-held funds live in the
// same balance namespace as user funds.
func ModuleAddress(module string) Address {
	sum := ethcrypto.Keccak256([]byte(moduleAddressTag + module))
	return MustNewAddress(sum[len(sum)-AddressLength:])
}
