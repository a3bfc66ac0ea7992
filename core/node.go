package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"refi/core/events"
	"refi/core/genesis"
	"refi/core/state"
	"refi/core/types"
	"refi/crypto"
	nativecommon "refi/native/common"
	"refi/native/market"
	"refi/native/migration"
	"refi/native/target"
	"refi/native/venue"
	"refi/native/wnative"
	"refi/observability"
	"refi/storage"
)

// ReceiptArchiver persists settlement receipts outside ledger state. Archive
// failures never fail the operation that produced the receipt.
type ReceiptArchiver interface {
	InsertReceipt(ctx context.Context, receipt *migration.Receipt) error
}

// Node is the central controller: it owns the ledger and the engines wired
// over it. Public operations serialise on stateMu, run inside the engine's
// snapshot bracket, and commit the ledger only when the operation succeeds,
// so a failed operation leaves no trace in the backing store.
type Node struct {
	db     storage.Database
	ledger *state.Ledger
	bus    *events.Bus
	logger *slog.Logger

	migration *migration.Engine
	target    *target.Engine
	wrapper   *wnative.Engine
	markets   map[string]*market.Engine
	venues    map[string]*venue.Engine

	archive ReceiptArchiver

	stateMu sync.Mutex
}

// NewNode opens the ledger over db and wires the engines from its records.
// An empty database is seeded from the genesis file at genesisPath, or from
// the built-in development genesis when the path is empty and autogenesis is
// allowed. The pause switches apply for the lifetime of the node.
func NewNode(db storage.Database, genesisPath string, allowAutogenesis bool, pauses nativecommon.StaticPauses) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: storage required")
	}
	ledger := state.NewLedger(db)

	tokens, err := ledger.TokenList()
	if err != nil {
		return nil, fmt.Errorf("node: inspect state: %w", err)
	}
	if len(tokens) == 0 {
		spec, err := resolveGenesis(genesisPath, allowAutogenesis)
		if err != nil {
			return nil, err
		}
		if err := genesis.Apply(spec, ledger); err != nil {
			return nil, fmt.Errorf("node: apply genesis: %w", err)
		}
		if err := ledger.Commit(); err != nil {
			return nil, fmt.Errorf("node: commit genesis: %w", err)
		}
	}

	cfg, err := ledger.GetMigrationConfig()
	if err != nil {
		return nil, fmt.Errorf("node: load migration config: %w", err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("node: state carries no migration section; reseed from a genesis file that has one")
	}

	node := &Node{
		db:      db,
		ledger:  ledger,
		bus:     events.NewBus(),
		logger:  slog.Default(),
		markets: make(map[string]*market.Engine),
		venues:  make(map[string]*venue.Engine),
	}
	if err := node.buildEngines(*cfg, pauses); err != nil {
		return nil, err
	}
	return node, nil
}

func resolveGenesis(path string, allowAutogenesis bool) (*genesis.Spec, error) {
	if strings.TrimSpace(path) != "" {
		spec, err := genesis.Load(path)
		if err != nil {
			return nil, fmt.Errorf("node: load genesis: %w", err)
		}
		return spec, nil
	}
	if !allowAutogenesis {
		return nil, fmt.Errorf("node: database is empty and autogenesis is disabled; provide a genesis file")
	}
	return genesis.DefaultSpec(), nil
}

func (n *Node) buildEngines(cfg migration.Config, pauses nativecommon.StaticPauses) error {
	targetEngine := target.NewEngine(crypto.ModuleAddress("target"))
	targetEngine.SetState(n.ledger)
	targetEngine.SetPauses(pauses)

	nativeSymbol, wrappedSymbol, err := n.wrappedPair()
	if err != nil {
		return err
	}
	var wrapper *wnative.Engine
	if nativeSymbol != "" {
		wrapper = wnative.NewEngine(nativeSymbol, wrappedSymbol)
		wrapper.SetState(n.ledger)
	}

	engine, err := migration.NewEngine(cfg)
	if err != nil {
		return fmt.Errorf("node: migration engine: %w", err)
	}
	engine.SetState(n.ledger)
	engine.SetEmitter(nodeEmitter{node: n})
	engine.SetPauses(pauses)
	engine.SetTarget(targetEngine)
	if wrapper != nil {
		engine.SetWrapper(wrapper)
	}

	marketIDs, err := n.ledger.MarketIDs()
	if err != nil {
		return fmt.Errorf("node: list markets: %w", err)
	}
	for _, id := range marketIDs {
		m := market.NewEngine(id)
		m.SetState(n.ledger)
		if err := engine.RegisterMarket(m); err != nil {
			return fmt.Errorf("node: register market %s: %w", id, err)
		}
		n.markets[id] = m
	}

	poolIDs, err := n.ledger.PoolIDs()
	if err != nil {
		return fmt.Errorf("node: list venues: %w", err)
	}
	for _, id := range poolIDs {
		v := venue.NewEngine(id)
		v.SetState(n.ledger)
		if err := engine.RegisterVenue(v); err != nil {
			return fmt.Errorf("node: register venue %s: %w", id, err)
		}
		n.venues[id] = v
	}

	n.migration = engine
	n.target = targetEngine
	n.wrapper = wrapper
	return nil
}

// wrappedPair resolves the registered native token and its wrapped form. A
// genesis without a native token yields empty symbols and no wrapper engine.
func (n *Node) wrappedPair() (string, string, error) {
	symbols, err := n.ledger.TokenList()
	if err != nil {
		return "", "", err
	}
	var nativeSymbol string
	for _, symbol := range symbols {
		meta, err := n.ledger.Token(symbol)
		if err != nil {
			return "", "", err
		}
		if meta != nil && meta.Native {
			nativeSymbol = meta.Symbol
			break
		}
	}
	if nativeSymbol == "" {
		return "", "", nil
	}
	for _, symbol := range symbols {
		meta, err := n.ledger.Token(symbol)
		if err != nil {
			return "", "", err
		}
		if meta != nil && meta.Wraps == nativeSymbol {
			return nativeSymbol, meta.Symbol, nil
		}
	}
	return "", "", fmt.Errorf("node: native token %s has no wrapped form registered", nativeSymbol)
}

// nodeEmitter forwards engine events onto the node's bus and counts them.
type nodeEmitter struct {
	node *Node
}

func (e nodeEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	observability.Events().RecordEvent(evt.EventType())
	if leg, ok := evt.(events.LegOpened); ok {
		observability.Migration().RecordLeg(leg.Method)
	}
	e.node.bus.Emit(evt)
}

// SetLogger replaces the node logger. Nil resets to the process default.
func (n *Node) SetLogger(logger *slog.Logger) {
	if n == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	n.logger = logger
}

// SetArchive wires the receipt archive. Passing nil disables archiving.
func (n *Node) SetArchive(archive ReceiptArchiver) {
	if n == nil {
		return
	}
	n.archive = archive
}

// ExecuteMigration runs the supplied plan and commits the ledger when it
// settles. An aborted run reverts inside the engine, so nothing is committed;
// its receipt is still archived and returned alongside the failure.
func (n *Node) ExecuteMigration(plan *migration.Plan) (*migration.Receipt, error) {
	if n == nil {
		return nil, fmt.Errorf("node: not initialised")
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	started := time.Now()
	receipt, err := n.migration.Migrate(plan)
	if err == nil {
		if commitErr := n.ledger.Commit(); commitErr != nil {
			return receipt, fmt.Errorf("node: commit migration: %w", commitErr)
		}
		observability.Migration().ObserveSettled(receipt.SettlementTotal, time.Since(started))
		n.logger.Info("migration settled",
			"migration_id", receipt.MigrationID,
			"steps", len(receipt.Steps),
			"collateral", len(receipt.Collateral),
			"settlement_total", receipt.SettlementTotal.String(),
		)
	} else if receipt != nil {
		observability.Migration().ObserveAborted(abortReason(err), time.Since(started))
		n.logger.Warn("migration aborted",
			"migration_id", receipt.MigrationID,
			"reason", receipt.FailureReason,
		)
	}
	n.archiveReceipt(receipt)
	return receipt, err
}

// PreviewMigration prices the plan against live state without moving funds.
func (n *Node) PreviewMigration(plan *migration.Plan) (*migration.Preview, error) {
	if n == nil {
		return nil, fmt.Errorf("node: not initialised")
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.migration.Preview(plan)
}

// Sweep forwards a stranded module balance to the sweep recipient and
// commits the transfer.
func (n *Node) Sweep(token string) (*big.Int, error) {
	if n == nil {
		return nil, fmt.Errorf("node: not initialised")
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	swept, err := n.migration.Sweep(token)
	if err != nil {
		return nil, err
	}
	if err := n.ledger.Commit(); err != nil {
		return nil, fmt.Errorf("node: commit sweep: %w", err)
	}
	observability.Migration().RecordSweep(token)
	n.logger.Info("sweep executed", "token", token, "amount", swept.String())
	return swept, nil
}

func (n *Node) archiveReceipt(receipt *migration.Receipt) {
	if n.archive == nil || receipt == nil {
		return
	}
	if err := n.archive.InsertReceipt(context.Background(), receipt); err != nil {
		n.logger.Error("archive receipt", "migration_id", receipt.MigrationID, "error", err)
	}
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, migration.ErrInvalidPlan):
		return "invalid_plan"
	case errors.Is(err, migration.ErrReentrancy):
		return "reentrancy"
	case errors.Is(err, migration.ErrUnauthorizedCallback):
		return "unauthorized_callback"
	case errors.Is(err, migration.ErrSourceMarket):
		return "source_market"
	case errors.Is(err, migration.ErrTargetProtocol):
		return "target_protocol"
	case errors.Is(err, migration.ErrCollateralTransfer):
		return "collateral_transfer"
	case errors.Is(err, migration.ErrSweep):
		return "sweep"
	case errors.Is(err, venue.ErrInsufficientReserve):
		return "venue_reserve"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	default:
		return "error"
	}
}

// SubscribeEvents attaches a bounded subscriber to the node's event bus.
func (n *Node) SubscribeEvents(buffer int) (<-chan *types.Event, func()) {
	return n.bus.Subscribe(buffer)
}

// --- Read queries. Each takes the state lock so reads never interleave with
// an executing migration. ---

// Balance reports addr's balance of the given token.
func (n *Node) Balance(addr crypto.Address, token string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.BalanceOf(addr, token)
}

// Tokens lists the registered token metadata in registration order.
func (n *Node) Tokens() ([]state.TokenMetadata, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	symbols, err := n.ledger.TokenList()
	if err != nil {
		return nil, err
	}
	out := make([]state.TokenMetadata, 0, len(symbols))
	for _, symbol := range symbols {
		meta, err := n.ledger.Token(symbol)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			out = append(out, *meta)
		}
	}
	return out, nil
}

// Markets lists the registered source market records sorted by identifier.
func (n *Node) Markets() ([]*market.Market, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	ids, err := n.ledger.MarketIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*market.Market, 0, len(ids))
	for _, id := range ids {
		record, err := n.ledger.GetMarket(id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}

// Market loads one source market record, nil when unknown.
func (n *Node) Market(id string) (*market.Market, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.GetMarket(id)
}

// MarketDebt reports addr's outstanding debt in the given market.
func (n *Node) MarketDebt(id string, addr crypto.Address) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.GetDebt(id, addr)
}

// Pools lists the registered venue pool records sorted by identifier.
func (n *Node) Pools() ([]*venue.Pool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	ids, err := n.ledger.PoolIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*venue.Pool, 0, len(ids))
	for _, id := range ids {
		record, err := n.ledger.GetPool(id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}

// Pool loads one venue pool record, nil when unknown.
func (n *Node) Pool(id string) (*venue.Pool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.GetPool(id)
}

// PoolReserves reports the venue module's live balances of its pair tokens.
func (n *Node) PoolReserves(id string) (*big.Int, *big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	pool, err := n.ledger.GetPool(id)
	if err != nil {
		return nil, nil, err
	}
	if pool == nil {
		return nil, nil, fmt.Errorf("node: unknown venue %q", id)
	}
	engine, ok := n.venues[id]
	if !ok {
		return nil, nil, fmt.Errorf("node: unknown venue %q", id)
	}
	reserve0, err := n.ledger.BalanceOf(engine.Address(), pool.Token0)
	if err != nil {
		return nil, nil, err
	}
	reserve1, err := n.ledger.BalanceOf(engine.Address(), pool.Token1)
	if err != nil {
		return nil, nil, err
	}
	return reserve0, reserve1, nil
}

// Protocol loads the target protocol record, nil before genesis seeds it.
func (n *Node) Protocol() (*target.Protocol, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.GetProtocol()
}

// TargetLiquidity reports the target module's base token balance.
func (n *Node) TargetLiquidity() (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	protocol, err := n.ledger.GetProtocol()
	if err != nil {
		return nil, err
	}
	if protocol == nil {
		return big.NewInt(0), nil
	}
	return n.ledger.BalanceOf(crypto.ModuleAddress("target"), protocol.BaseToken)
}

// Position loads addr's target position, nil when none exists.
func (n *Node) Position(addr crypto.Address) (*target.Position, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.GetPosition(addr)
}

// MigrationInfo describes the orchestrator's fixed wiring.
type MigrationInfo struct {
	ModuleAddress      crypto.Address
	SweepRecipient     crypto.Address
	AcceptedCollateral []string
	MaxPlanSteps       int
	Markets            []string
	Venues             []string
}

// Migration reports the orchestrator's configuration and directory.
func (n *Node) Migration() (MigrationInfo, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	marketIDs, err := n.ledger.MarketIDs()
	if err != nil {
		return MigrationInfo{}, err
	}
	venueIDs, err := n.ledger.PoolIDs()
	if err != nil {
		return MigrationInfo{}, err
	}
	return MigrationInfo{
		ModuleAddress:      n.migration.ModuleAddress(),
		SweepRecipient:     n.migration.SweepRecipient(),
		AcceptedCollateral: n.migration.AcceptedCollateral(),
		MaxPlanSteps:       n.migration.MaxPlanSteps(),
		Markets:            marketIDs,
		Venues:             venueIDs,
	}, nil
}
