package core

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	"PerpSettle/internal/identity"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// SettlementCore is the single-threaded command processor. Every exported method must be called
// from one goroutine; the Sequencer provides that.
type SettlementCore struct {
	sequence     int64 // next sequence to assign
	hasher       *StateHasher
	balances     *ledger.BalanceTracker
	journalGen   *ledger.JournalGenerator
	validator    *ledger.InvariantValidator
	marginLedger *ledger.MarginLedger
	positions    *state.PositionManager
	orders       *state.OrderBook
	markets      *state.MarketConfigManager
	collaterals  *state.CollateralRegistry
	oracle       *oracle.Adapter
	identity     identity.Directory
	custody      custody.Custody
	idempotency  *IdempotencyChecker
	clock        *ClockValidator
	metrics      *observability.Metrics
	logger       zerolog.Logger

	globalCheckEvery int64
	replaying        bool

	persistChan chan<- CoreOutput
	observers   []Observer
}

// Observer receives outputs without back-pressuring the core. A full channel drops the output;
// observers rebuild from the event log.
type Observer struct {
	Name string
	Ch   chan<- CoreOutput
}

// Deps are the collaborators of a SettlementCore.
type Deps struct {
	Identity  identity.Directory
	Custody   custody.Custody
	Oracle    *oracle.Adapter
	DBChecker DBIdempotencyChecker
	Metrics   *observability.Metrics
	Logger    *zerolog.Logger

	IdempotencyCapacity int
	// GlobalCheckEvery runs the zero-sum ledger check every N commands; 0 disables it.
	GlobalCheckEvery int64

	PersistChan chan<- CoreOutput
	Observers   []Observer
}

// CoreOutput is everything downstream consumers need about one accepted command.
type CoreOutput struct {
	Envelope  *event.EventEnvelope
	Batch     *ledger.Batch
	Positions []PositionChange
	Orders    []OrderChange
	Balances  []BalanceChange
}

// PositionChange is the post-command state of a position. Position is nil when it was removed.
type PositionChange struct {
	Key      state.PositionKey
	Position *state.Position
}

// OrderChange is the post-command state of a pending order slot. Order is nil when it was cleared.
type OrderChange struct {
	Key   state.PositionKey
	Order *state.Order
}

type BalanceChange struct {
	Account ledger.AccountKey
	Balance int64
}

// Result is returned to the submitter of a command.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Events    []event.Event
	Duplicate bool
}

func NewSettlementCore(startSequence int64, deps Deps) *SettlementCore {
	balances := ledger.NewBalanceTracker()
	journalGen := ledger.NewJournalGenerator()
	collaterals := state.NewCollateralRegistry()

	capacity := deps.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	logger := observability.NewLogger("core")
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	adapter := deps.Oracle
	if adapter == nil {
		adapter = oracle.NewAdapter(oracle.NewVerifier(), 0)
	}

	return &SettlementCore{
		sequence:         startSequence,
		hasher:           NewStateHasher(),
		balances:         balances,
		journalGen:       journalGen,
		validator:        ledger.NewInvariantValidator(balances),
		marginLedger:     ledger.NewMarginLedger(balances, collaterals, journalGen),
		positions:        state.NewPositionManager(),
		orders:           state.NewOrderBook(),
		markets:          state.NewMarketConfigManager(),
		collaterals:      collaterals,
		oracle:           adapter,
		identity:         deps.Identity,
		custody:          deps.Custody,
		idempotency:      NewIdempotencyChecker(capacity, deps.DBChecker, deps.Metrics),
		clock:            NewClockValidator(),
		metrics:          deps.Metrics,
		logger:           logger,
		globalCheckEvery: deps.GlobalCheckEvery,
		persistChan:      deps.PersistChan,
		observers:        deps.Observers,
	}
}

// ProcessCommand is the main processing pipeline. A rejected command leaves no trace: it consumes
// no sequence, emits nothing and is not remembered for dedup.
func (c *SettlementCore) ProcessCommand(ctx context.Context, cmd command.Command) (*Result, error) {
	start := time.Now()
	cmdType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if !c.replaying && c.idempotency.IsDuplicate(ctx, cmdType, key) {
		c.reject(cmdType, "duplicate")
		return &Result{Duplicate: true}, nil
	}

	// Step 2: Admission clock
	if err := c.clock.Validate(cmd.Timestamp()); err != nil {
		c.reject(cmdType, errs.Code(err))
		return nil, err
	}

	payload, err := command.Marshal(cmd)
	if err != nil {
		c.reject(cmdType, "encode")
		return nil, fmt.Errorf("encode %s: %w", cmdType, err)
	}

	// Step 3: Dispatch inside a unit of work
	seq := c.sequence
	tx := c.begin(ctx, cmd, seq)
	if err := c.dispatch(tx, cmd); err != nil {
		if rbErr := tx.rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		c.reject(cmdType, errs.Code(err))
		c.logger.Debug().
			Err(err).
			Str("command_type", cmdType).
			Str("idempotency_key", key).
			Msg("command rejected")
		return nil, err
	}

	// Step 4: Commit
	c.clock.Advance(cmd.Timestamp())

	stateDigest := c.computeStateDigest(tx)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: key,
		CommandType:    cmdType,
		MarketID:       cmd.MarketID(),
		Timestamp:      time.UnixMicro(cmd.Timestamp()).UTC(),
		Payload:        payload,
		Events:         tx.events,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := c.buildOutput(tx, envelope)
	c.sequence++

	if c.globalCheckEvery > 0 && seq%c.globalCheckEvery == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", seq, err))
		}
	}

	// Step 5: Emit outputs. Persistence uses a BLOCKING send so no accepted command is lost;
	// observers use NON-BLOCKING sends and drop when full.
	if !c.replaying {
		if c.persistChan != nil {
			select {
			case c.persistChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.PersistBackpressure.Inc()
				}
				c.persistChan <- output
			}
		}
		for _, obs := range c.observers {
			select {
			case obs.Ch <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.WithLabelValues(obs.Name).Inc()
				}
			}
		}
	}

	// Step 6: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(cmdType, key)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(cmdType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, j := range tx.batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	return &Result{Sequence: seq, StateHash: stateHash, Events: tx.events}, nil
}

func (c *SettlementCore) reject(cmdType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func (c *SettlementCore) dispatch(tx *txn, cmd command.Command) error {
	switch cmd := cmd.(type) {
	case *command.TransferCollateral:
		return c.handleTransferCollateral(tx, cmd)
	case *command.CommitOrder:
		return c.handleCommitOrder(tx, cmd)
	case *command.SettleOrder:
		return c.handleSettleOrder(tx, cmd)
	case *command.CancelOrder:
		return c.handleCancelOrder(tx, cmd)
	case *command.LiquidatePosition:
		return c.handleLiquidatePosition(tx, cmd)
	case *command.UpdatePrice:
		return c.handleUpdatePrice(tx, cmd)
	case *command.SetCollateralConfiguration:
		return c.handleSetCollateralConfiguration(tx, cmd)
	case *command.SetMarketConfiguration:
		return c.handleSetMarketConfiguration(tx, cmd)
	default:
		return fmt.Errorf("%w: unknown command type %T", errs.ErrInvalidConfiguration, cmd)
	}
}

func (c *SettlementCore) sortedKeys(set map[state.PositionKey]struct{}) []state.PositionKey {
	keys := make([]state.PositionKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].MarketID != keys[j].MarketID {
			return keys[i].MarketID < keys[j].MarketID
		}
		return keys[i].AccountID.String() < keys[j].AccountID.String()
	})
	return keys
}

func (c *SettlementCore) buildOutput(tx *txn, envelope *event.EventEnvelope) CoreOutput {
	out := CoreOutput{Envelope: envelope, Batch: tx.batch}
	for _, key := range c.sortedKeys(tx.positions) {
		out.Positions = append(out.Positions, PositionChange{Key: key, Position: c.positions.Get(key.AccountID, key.MarketID)})
	}
	for _, key := range c.sortedKeys(tx.orders) {
		out.Orders = append(out.Orders, OrderChange{Key: key, Order: c.orders.Get(key.AccountID, key.MarketID)})
	}
	for _, acct := range tx.batch.AffectedAccounts() {
		out.Balances = append(out.Balances, BalanceChange{Account: acct, Balance: c.balances.GetBalance(acct)})
	}
	return out
}

// computeStateDigest creates canonical bytes for the state hash: every balance, position, order,
// price and configuration the command touched, in a fixed order.
func (c *SettlementCore) computeStateDigest(tx *txn) []byte {
	accounts := tx.batch.AffectedAccounts()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		digest = appendString(digest, key.AccountPath())
		digest = appendInt64LE(digest, c.balances.GetBalance(key))
	}

	for _, key := range c.sortedKeys(tx.positions) {
		digest = append(digest, 'P')
		if pos := c.positions.Get(key.AccountID, key.MarketID); pos != nil {
			digest = append(digest, pos.CanonicalBytes()...)
		} else {
			digest = append(digest, key.AccountID[:]...)
			digest = appendString(digest, key.MarketID)
		}
	}

	for _, key := range c.sortedKeys(tx.orders) {
		digest = append(digest, 'O')
		if o := c.orders.Get(key.AccountID, key.MarketID); o != nil {
			digest = append(digest, o.CanonicalBytes()...)
		} else {
			digest = append(digest, key.AccountID[:]...)
			digest = appendString(digest, key.MarketID)
		}
	}

	for _, p := range tx.prices {
		digest = append(digest, 'F')
		digest = appendString(digest, p.FeedID)
		digest = appendInt64LE(digest, p.Value)
		digest = appendInt64LE(digest, p.PublishTime)
	}

	for _, id := range tx.markets {
		digest = append(digest, 'M')
		if cfg, ok := c.markets.Get(id); ok {
			digest = appendMarketConfig(digest, cfg)
		}
	}

	if tx.configs {
		digest = append(digest, 'C')
		for _, ct := range c.collaterals.List() {
			digest = appendString(digest, ct.ID)
			digest = appendString(digest, ct.OracleFeedID)
			digest = appendInt64LE(digest, ct.MaxAllowable)
		}
	}

	return digest
}

func appendMarketConfig(buf []byte, cfg *state.MarketConfig) []byte {
	buf = appendString(buf, cfg.MarketID)
	buf = appendString(buf, cfg.OracleFeedID)
	for _, v := range []int64{
		int64(cfg.MinOrderAge), int64(cfg.MaxOrderAge),
		int64(cfg.PythPublishTimeMin), int64(cfg.PythPublishTimeMax),
		cfg.InitialMarginRatio, cfg.MaintenanceMarginRatio,
		cfg.LiquidationPremiumRatio, cfg.MinimumPositionMarginUsd,
		cfg.SettlementRewardUsd, cfg.SettlementRewardRatio,
	} {
		buf = appendInt64LE(buf, v)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// Sequence returns the next sequence to be assigned.
func (c *SettlementCore) Sequence() int64 {
	return c.sequence
}

// StateHash returns the current chain tip.
func (c *SettlementCore) StateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// LastTimestamp returns the admission time of the last accepted command, unix microseconds.
func (c *SettlementCore) LastTimestamp() int64 {
	return c.clock.Last()
}

// Balances exposes the ledger for read-only inspection.
func (c *SettlementCore) Balances() *ledger.BalanceTracker {
	return c.balances
}

// ValidateInvariants runs the full ledger check. Used after recovery and by tests.
func (c *SettlementCore) ValidateInvariants() error {
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	for _, key := range c.balances.SortedKeys() {
		if key.Scope == ledger.AccountScopeExternal {
			continue
		}
		if err := c.balances.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}
