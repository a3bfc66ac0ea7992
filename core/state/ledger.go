package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"refi/crypto"
	"refi/storage"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the held amount.
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	// ErrUnknownToken is returned for operations against unregistered tokens.
	ErrUnknownToken = errors.New("state: unknown token")
	// ErrTokenExists is returned when registering a duplicate token symbol.
	ErrTokenExists = errors.New("state: token already registered")
	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = errors.New("state: amount must be non-negative")
	// ErrAmountOverflow is returned when a balance would exceed 256 bits.
	ErrAmountOverflow = errors.New("state: balance overflow")
)

// TokenMetadata describes a registered token. Wraps names the native token a
// wrapped token stands in for; it is empty for every other token.
type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
	Native   bool
	Wraps    string
}

type journalEntry struct {
	key        string
	prev       []byte
	prevExists bool
}

// Ledger is a journaled overlay over a key-value database. Writes accumulate
// in memory and land in the database only on Commit; Snapshot/RevertToSnapshot
// bracket speculative execution so a failed operation leaves no trace. It is
// the single mutation path for balances and engine records, and it is not safe
// for concurrent use.
type Ledger struct {
	db      storage.Database
	overlay map[string][]byte
	journal []journalEntry
}

// NewLedger creates a ledger over the provided database.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{
		db:      db,
		overlay: make(map[string][]byte),
	}
}

// NormalizeToken canonicalizes a token symbol for use as a state key.
func NormalizeToken(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (l *Ledger) read(key []byte) ([]byte, bool, error) {
	if value, ok := l.overlay[string(key)]; ok {
		if value == nil {
			return nil, false, nil
		}
		return value, true, nil
	}
	value, err := l.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (l *Ledger) write(key []byte, value []byte) {
	k := string(key)
	prev, prevExists := l.overlay[k]
	l.journal = append(l.journal, journalEntry{key: k, prev: prev, prevExists: prevExists})
	l.overlay[k] = value
}

// Snapshot returns an identifier for the current journal position.
func (l *Ledger) Snapshot() int {
	return len(l.journal)
}

// RevertToSnapshot unwinds every write made after the snapshot was taken.
// Reverting to an unknown snapshot is a programming error and panics.
func (l *Ledger) RevertToSnapshot(id int) {
	if id < 0 || id > len(l.journal) {
		panic(fmt.Sprintf("state: snapshot id %d out of range [0,%d]", id, len(l.journal)))
	}
	for i := len(l.journal) - 1; i >= id; i-- {
		entry := l.journal[i]
		if entry.prevExists {
			l.overlay[entry.key] = entry.prev
		} else {
			delete(l.overlay, entry.key)
		}
	}
	l.journal = l.journal[:id]
}

// Commit flushes the overlay to the backing database and resets the journal.
// Keys are flushed in sorted order so failures are deterministic.
func (l *Ledger) Commit() error {
	keys := make([]string, 0, len(l.overlay))
	for k := range l.overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := l.db.Put([]byte(k), l.overlay[k]); err != nil {
			return fmt.Errorf("state: commit %x: %w", k, err)
		}
	}
	l.overlay = make(map[string][]byte)
	l.journal = l.journal[:0]
	return nil
}

// --- Token registry ---

func (l *Ledger) tokenList() ([]string, error) {
	data, ok, err := l.read(tokenListKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// RegisterToken records a token's metadata and adds it to the token index.
func (l *Ledger) RegisterToken(meta TokenMetadata) error {
	symbol := NormalizeToken(meta.Symbol)
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrUnknownToken)
	}
	existing, err := l.Token(symbol)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrTokenExists, symbol)
	}
	meta.Symbol = symbol
	meta.Wraps = NormalizeToken(meta.Wraps)
	encoded, err := rlp.EncodeToBytes(&meta)
	if err != nil {
		return err
	}
	l.write(tokenKey(symbol), encoded)

	list, err := l.tokenList()
	if err != nil {
		return err
	}
	list = append(list, symbol)
	sort.Strings(list)
	encodedList, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	l.write(tokenListKey, encodedList)
	return nil
}

// Token loads a token's metadata, returning nil when it is not registered.
func (l *Ledger) Token(symbol string) (*TokenMetadata, error) {
	data, ok, err := l.read(tokenKey(NormalizeToken(symbol)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// TokenList returns the registered token symbols in sorted order.
func (l *Ledger) TokenList() ([]string, error) {
	return l.tokenList()
}

// HasToken reports whether a symbol is registered.
func (l *Ledger) HasToken(symbol string) (bool, error) {
	meta, err := l.Token(symbol)
	if err != nil {
		return false, err
	}
	return meta != nil, nil
}

// IsNativeToken reports whether a registered token is the chain's native
// asset. Unknown tokens are an error, not a false.
func (l *Ledger) IsNativeToken(symbol string) (bool, error) {
	meta, err := l.Token(symbol)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownToken, NormalizeToken(symbol))
	}
	return meta.Native, nil
}

// --- Balances ---

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// BalanceOf returns the balance an address holds in a token. Missing entries
// read as zero. The returned value is owned by the caller.
func (l *Ledger) BalanceOf(addr crypto.Address, symbol string) (*big.Int, error) {
	normalized := NormalizeToken(symbol)
	meta, err := l.Token(normalized)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, normalized)
	}
	data, ok, err := l.read(balanceKey(addr.Bytes(), normalized))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (l *Ledger) putBalance(addr crypto.Address, symbol string, amount *big.Int) error {
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	l.write(balanceKey(addr.Bytes(), symbol), encoded)
	return nil
}

// SetBalance overwrites a balance. Genesis seeding only; engines use
// Credit/Debit/Transfer so every movement stays conserving.
func (l *Ledger) SetBalance(addr crypto.Address, symbol string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	normalized := NormalizeToken(symbol)
	if meta, err := l.Token(normalized); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("%w: %s", ErrUnknownToken, normalized)
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return ErrAmountOverflow
	}
	return l.putBalance(addr, normalized, new(big.Int).Set(amount))
}

// Credit adds amount to the address's balance.
func (l *Ledger) Credit(addr crypto.Address, symbol string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	balance, err := l.BalanceOf(addr, symbol)
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(balance, amount)
	if _, overflow := uint256.FromBig(updated); overflow {
		return ErrAmountOverflow
	}
	return l.putBalance(addr, NormalizeToken(symbol), updated)
}

// Debit removes amount from the address's balance.
func (l *Ledger) Debit(addr crypto.Address, symbol string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	balance, err := l.BalanceOf(addr, symbol)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientBalance, balance, amount, NormalizeToken(symbol))
	}
	return l.putBalance(addr, NormalizeToken(symbol), new(big.Int).Sub(balance, amount))
}

// Transfer moves amount between two addresses.
func (l *Ledger) Transfer(from, to crypto.Address, symbol string, amount *big.Int) error {
	if err := l.Debit(from, symbol, amount); err != nil {
		return err
	}
	return l.Credit(to, symbol, amount)
}

// --- Generic records ---

// KVPut stores an RLP-encoded record under a caller-chosen key.
func (l *Ledger) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	l.write(kvKey(key), encoded)
	return nil
}

// KVGet loads a record previously stored with KVPut. It reports whether the
// key was present.
func (l *Ledger) KVGet(key []byte, out interface{}) (bool, error) {
	data, ok, err := l.read(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
