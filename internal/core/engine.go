package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"OptionLedger/internal/event"
	"OptionLedger/internal/exercise"
	"OptionLedger/internal/feed"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/strategy"
	"OptionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// errStaleSync marks a pair sync that is older than one already applied.
// Stale syncs are skipped silently, they are not failures.
var errStaleSync = errors.New("core: stale pair sync")

// Output is what the engine hands to the persistence and projection
// workers for each applied event.
type Output struct {
	Envelope   *event.Envelope
	Batch      *token.Batch
	Settlement *event.SettlementRecord
	StateDelta []byte
}

// Result is returned to the submitter of an event.
type Result struct {
	Sequence  int64
	Duplicate bool

	// Settlement is the strategy's opaque blob for redemptions (empty
	// on the zero-amount short-circuit).
	Settlement []byte

	// OptionID is the arena id assigned by an OptionRegistered event.
	OptionID uint64
}

// Config wires an Engine.
type Config struct {
	Admin           common.Address
	CoordinatorAddr common.Address

	OptionAsset     token.AssetID
	PaymentAsset    token.AssetID
	UnderlyingAsset token.AssetID

	StartSequence int64

	PersistChan    chan<- Output
	ProjectionChan chan<- Output

	IdempotencyCapacity int

	Metrics *observability.Metrics
}

// oracleSetter is implemented by strategies whose price source can be
// re-pointed after registration.
type oracleSetter interface {
	SetOracle(caller common.Address, o strategy.PriceSource) error
}

// treasurySetter is implemented by strategies with a payment destination.
type treasurySetter interface {
	SetTreasury(caller, treasury common.Address) error
}

// Engine is the single-threaded event processor. Every call runs to
// completion before the next is observed; concurrent submitters are
// serialized through the command channel.
type Engine struct {
	sequence int64
	hasher   *StateHasher

	book        *token.Book
	coordinator *exercise.Coordinator
	pairs       map[string]*feed.Pair
	oracles     map[string]*oracle.Oracle
	strategies  map[uint64]strategy.Strategy

	admin      common.Address
	payAsset   token.AssetID
	underAsset token.AssetID

	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output

	commands  chan submitReq
	snapshots chan snapshotReq
}

type submitReq struct {
	evt   event.Event
	reply chan submitResp
}

type snapshotReq struct {
	reply chan *SnapshotState
}

type submitResp struct {
	result *Result
	err    error
}

func NewEngine(cfg Config) *Engine {
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	book := token.NewBook()

	idempotency := NewIdempotencyChecker(capacity)
	seqValidator := NewSequenceValidator()
	if cfg.Metrics != nil {
		idempotency.SetPromMetrics(cfg.Metrics)
		seqValidator.SetPromMetrics(cfg.Metrics)
	}

	return &Engine{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		book:           book,
		coordinator:    exercise.New(cfg.Admin, cfg.CoordinatorAddr, book, cfg.OptionAsset),
		pairs:          make(map[string]*feed.Pair),
		oracles:        make(map[string]*oracle.Oracle),
		strategies:     make(map[uint64]strategy.Strategy),
		admin:          cfg.Admin,
		payAsset:       cfg.PaymentAsset,
		underAsset:     cfg.UnderlyingAsset,
		idempotency:    idempotency,
		seqValidator:   seqValidator,
		metrics:        cfg.Metrics,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		commands:       make(chan submitReq),
		snapshots:      make(chan snapshotReq),
	}
}

// AttachDBChecker enables the Postgres dedup tier. Wired after startup
// replay: during replay every event already has an event-log row, so
// the DB tier would flag the entire stream as duplicate and the book
// would never be rebuilt.
func (c *Engine) AttachDBChecker(d DBIdempotencyChecker) {
	c.idempotency.SetDBChecker(d)
}

// RegisterPair adds a feed pair. Startup wiring only, before Run.
func (c *Engine) RegisterPair(id string, p *feed.Pair) {
	c.pairs[id] = p
}

// RegisterOracle adds a named oracle. Startup wiring only, before Run.
func (c *Engine) RegisterOracle(id string, o *oracle.Oracle) {
	c.oracles[id] = o
}

// Book exposes the ledger for read-side queries.
func (c *Engine) Book() *token.Book {
	return c.book
}

// Oracle returns a configured oracle by id.
func (c *Engine) Oracle(id string) (*oracle.Oracle, bool) {
	o, ok := c.oracles[id]
	return o, ok
}

// Coordinator exposes the registry for read-side queries.
func (c *Engine) Coordinator() *exercise.Coordinator {
	return c.coordinator
}

// Run drains the command channel until ctx is cancelled. All event
// processing happens on this goroutine.
func (c *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.commands:
			result, err := c.ProcessEvent(req.evt)
			req.reply <- submitResp{result: result, err: err}
		case req := <-c.snapshots:
			req.reply <- c.captureSnapshot()
		}
	}
}

// Submit hands an event to the engine goroutine and waits for the result.
func (c *Engine) Submit(ctx context.Context, evt event.Event) (*Result, error) {
	req := submitReq{evt: evt, reply: make(chan submitResp, 1)}
	select {
	case c.commands <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessEvent is the main processing pipeline. Callers other than the
// Run goroutine must go through Submit.
func (c *Engine) ProcessEvent(evt event.Event) (*Result, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Pair syncs tolerate gaps; everything
	// else must arrive in order per partition.
	if syncEvt, ok := evt.(*event.PairSync); ok {
		if err := c.seqValidator.ValidatePairSequence(syncEvt.PairID, syncEvt.SyncSequence); err != nil {
			if errors.Is(err, errStaleSync) {
				if c.metrics != nil {
					c.metrics.PairSyncsStale.WithLabelValues(syncEvt.PairID).Inc()
				}
				return &Result{Duplicate: true}, nil
			}
			return nil, err
		}
	} else {
		partition := c.getPartition(evt)
		if err := c.seqValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return &Result{Duplicate: true}, nil
	}

	// Step 3: Dispatch
	batch, settlement, result, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return nil, err
	}

	// Step 4: State digest and hash chain. Empty batches (pair syncs,
	// admin changes, zero-amount redemptions) still get an envelope in
	// the event log.
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
		if batch != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.Type.String()).Inc()
			}
		}
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal event payload: %v", err))
	}

	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Ref:            evt.Ref(),
		Timestamp:      evt.EventTimestamp(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := Output{
		Envelope:   envelope,
		Batch:      batch,
		Settlement: settlement,
		StateDelta: stateDigest,
	}

	result.Sequence = c.sequence
	c.sequence++

	// Step 5: Emit outputs. Persistence uses a blocking send so no
	// event is lost; projections use a non-blocking send and rebuild
	// from the event log if they fall behind.
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
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			// Dropped — projection catches up via rebuild
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("main").Inc()
			}
		}
	}

	// Step 6: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return result, nil
}

func (c *Engine) dispatchEvent(evt event.Event) (*token.Batch, *event.SettlementRecord, *Result, error) {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return c.applyDeposit(e)
	case *event.PairSync:
		return c.applyPairSync(e)
	case *event.ExerciseRequested:
		return c.applyExercise(e)
	case *event.OptionRegistered:
		return c.applyOptionRegistered(e)
	case *event.OptionStatusChanged:
		err := c.coordinator.SetOptionActive(e.Caller, e.OptionID, e.Active)
		return nil, nil, &Result{}, err
	case *event.OracleParamsUpdated:
		return c.applyOracleParams(e)
	case *event.OracleSet:
		return c.applyOracleSet(e)
	case *event.TreasurySet:
		return c.applyTreasurySet(e)
	default:
		return nil, nil, nil, fmt.Errorf("unhandled event type %T", evt)
	}
}

func (c *Engine) applyDeposit(e *event.DepositConfirmed) (*token.Batch, *event.SettlementRecord, *Result, error) {
	asset, ok := token.GetAssetID(e.Asset)
	if !ok {
		return nil, nil, nil, fmt.Errorf("unknown asset %q", e.Asset)
	}
	tx := c.book.Begin(e.DepositID.String(), c.sequence, e.DepositTimestamp.Unix())
	if err := tx.Mint(asset, e.Account, e.Amount); err != nil {
		return nil, nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, nil, err
	}
	return tx.Batch(), nil, &Result{}, nil
}

func (c *Engine) applyPairSync(e *event.PairSync) (*token.Batch, *event.SettlementRecord, *Result, error) {
	p, ok := c.pairs[e.PairID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("unknown pair %q", e.PairID)
	}
	if err := p.Sync(e.ReserveA, e.ReserveB, e.SyncTimestamp); err != nil {
		return nil, nil, nil, err
	}
	if c.metrics != nil {
		c.metrics.PairSyncsApplied.WithLabelValues(e.PairID).Inc()
	}
	return nil, nil, &Result{}, nil
}

func (c *Engine) applyExercise(e *event.ExerciseRequested) (*token.Batch, *event.SettlementRecord, *Result, error) {
	start := time.Now()
	optionLabel := strconv.FormatUint(e.OptionID, 10)
	call := exercise.Call{
		Caller:    e.Caller,
		Recipient: e.Recipient,
		Amount:    e.Amount,
		OptionID:  e.OptionID,
		Params:    e.Params,
		Now:       e.RequestTimestamp,
		EventRef:  e.RequestID.String(),
		Sequence:  c.sequence,
	}

	var (
		outcome *exercise.Outcome
		err     error
	)
	if e.Deadline != nil {
		outcome, err = c.coordinator.ExerciseWithDeadline(call, *e.Deadline)
	} else {
		outcome, err = c.coordinator.Exercise(call)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.ExercisesRejected.WithLabelValues(optionLabel, rejectionReason(err)).Inc()
		}
		return nil, nil, nil, err
	}

	var record *event.SettlementRecord
	if len(outcome.Settlement) > 0 {
		settled, decodeErr := strategy.DecodeSettlement(outcome.Settlement)
		if decodeErr != nil {
			panic(fmt.Sprintf("FATAL: strategy produced undecodable settlement: %v", decodeErr))
		}
		record = &event.SettlementRecord{
			RequestID:     e.RequestID,
			Sequence:      c.sequence,
			OptionID:      e.OptionID,
			Caller:        settled.Caller,
			Recipient:     settled.Recipient,
			Amount:        settled.Amount,
			PaymentAmount: settled.PaymentAmount,
			SettledAt:     e.RequestTimestamp,
		}
	}

	if c.metrics != nil {
		c.metrics.ExerciseDuration.WithLabelValues(optionLabel).Observe(time.Since(start).Seconds())
		// Zero-amount short-circuits settle nothing and stay out of
		// the settlement counters.
		if record != nil {
			c.metrics.ExercisesSettled.WithLabelValues(optionLabel).Inc()
			c.metrics.ExerciseAmountWad.WithLabelValues(optionLabel).Add(wadToFloat(record.Amount))
			c.metrics.ExercisePaymentWad.WithLabelValues(optionLabel).Add(wadToFloat(record.PaymentAmount))
		}
	}

	return outcome.Batch, record, &Result{Settlement: outcome.Settlement}, nil
}

// rejectionReason buckets redemption failures for the rejection counter.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, exercise.ErrNotOption):
		return "not_option"
	case errors.Is(err, exercise.ErrOptionInactive):
		return "inactive"
	case errors.Is(err, exercise.ErrPastDeadline):
		return "past_deadline"
	case errors.Is(err, strategy.ErrSlippage):
		return "slippage"
	case errors.Is(err, token.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, oracle.ErrOracleNotReady):
		return "oracle_not_ready"
	case errors.Is(err, oracle.ErrOverflow):
		return "overflow"
	default:
		return "other"
	}
}

func wadToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (c *Engine) applyOptionRegistered(e *event.OptionRegistered) (*token.Batch, *event.SettlementRecord, *Result, error) {
	var (
		strat strategy.Strategy
		err   error
	)
	switch e.Kind {
	case event.StrategyKindDiscount:
		src, ok := c.oracles[e.OracleID]
		if !ok {
			return nil, nil, nil, fmt.Errorf("unknown oracle %q", e.OracleID)
		}
		strat, err = strategy.NewDiscountExercise(c.admin, c.coordinator.Self(), src, e.Treasury, c.payAsset, c.underAsset)
	case event.StrategyKindFixedPrice:
		strat, err = strategy.NewFixedPriceExercise(c.admin, c.coordinator.Self(), e.Price, e.Treasury, c.payAsset, c.underAsset)
	default:
		return nil, nil, nil, fmt.Errorf("unknown strategy kind %q", e.Kind)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	id, err := c.coordinator.RegisterOption(e.Caller, strat)
	if err != nil {
		return nil, nil, nil, err
	}
	c.strategies[id] = strat
	return nil, nil, &Result{OptionID: id}, nil
}

func (c *Engine) applyOracleParams(e *event.OracleParamsUpdated) (*token.Batch, *event.SettlementRecord, *Result, error) {
	if e.Caller != c.admin {
		return nil, nil, nil, strategy.ErrNotAdmin
	}
	o, ok := c.oracles[e.OracleID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("unknown oracle %q", e.OracleID)
	}
	params := oracle.Params{
		MultiplierBps:  e.MultiplierBps,
		Window:         time.Duration(e.WindowSeconds) * time.Second,
		LookbackOffset: time.Duration(e.LookbackSeconds) * time.Second,
		MinPrice:       e.MinPrice,
		QuoteInB:       e.QuoteInB,
	}
	if err := o.SetParams(params); err != nil {
		return nil, nil, nil, err
	}
	return nil, nil, &Result{}, nil
}

func (c *Engine) applyOracleSet(e *event.OracleSet) (*token.Batch, *event.SettlementRecord, *Result, error) {
	strat, ok := c.strategies[e.OptionID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: id %d", exercise.ErrNotOption, e.OptionID)
	}
	setter, ok := strat.(oracleSetter)
	if !ok {
		return nil, nil, nil, fmt.Errorf("option %d has no oracle to set", e.OptionID)
	}
	src, ok := c.oracles[e.OracleID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("unknown oracle %q", e.OracleID)
	}
	if err := setter.SetOracle(e.Caller, src); err != nil {
		return nil, nil, nil, err
	}
	return nil, nil, &Result{}, nil
}

func (c *Engine) applyTreasurySet(e *event.TreasurySet) (*token.Batch, *event.SettlementRecord, *Result, error) {
	strat, ok := c.strategies[e.OptionID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: id %d", exercise.ErrNotOption, e.OptionID)
	}
	setter, ok := strat.(treasurySetter)
	if !ok {
		return nil, nil, nil, fmt.Errorf("option %d has no treasury to set", e.OptionID)
	}
	if err := setter.SetTreasury(e.Caller, e.Treasury); err != nil {
		return nil, nil, nil, err
	}
	return nil, nil, &Result{}, nil
}

// getPartition determines partition key for sequence validation
func (c *Engine) getPartition(evt event.Event) string {
	if ref := evt.Ref(); ref != nil {
		return *ref
	}
	return "global"
}

// computeStateDigest creates canonical bytes for the state hash from the
// balances touched by a batch.
func (c *Engine) computeStateDigest(batch *token.Batch) []byte {
	affected := make(map[token.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.From] = true
			affected[j.To] = true
		}
	}

	accounts := make([]token.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}

	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)

	for _, key := range accounts {
		balance := c.book.BalanceOfKey(key)

		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		// Sign byte, then length-prefixed magnitude
		digest = append(digest, byte(balance.Sign()+1))
		mag := balance.Bytes()
		digest = append(digest, byte(len(mag)))
		digest = append(digest, mag...)
	}

	return digest
}
