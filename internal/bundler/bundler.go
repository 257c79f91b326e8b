package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-co-op/gocron"

	"github.com/insoblok/inso-bundler/internal/mempool"
	"github.com/insoblok/inso-bundler/internal/metrics"
	"github.com/insoblok/inso-bundler/internal/reputation"
	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// Validator decides whether an operation may enter the mempool.
type Validator interface {
	Validate(ctx context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (*bundlerTypes.ValidationResult, error)
}

// Hasher computes the canonical user operation hash.
type Hasher interface {
	Hash(ctx context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (common.Hash, error)
}

// Executor turns selected operations into a bundle and submits it.
type Executor interface {
	BuildBundle(ctx context.Context, ops []*bundlerTypes.BundleOp) (*bundlerTypes.Bundle, error)
	Execute(ctx context.Context, bundle *bundlerTypes.Bundle) (*bundlerTypes.ExecutionResult, error)
}

// ReceiptSource fetches transaction receipts. *ethclient.Client satisfies it.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds the orchestrator settings.
type Config struct {
	ChainID             *big.Int
	EntryPoints         []common.Address
	Blacklist           []common.Address
	MaxBundleSize       int
	MaxBundleGas        uint64
	BundleInterval      time.Duration
	CallTimeout         time.Duration // 0 disables the per-call deadline
	MaxBundleRetries    uint32
	ThrottledMaxPending int
	ReceiptCacheSize    int
	DecayInterval       time.Duration // 0 disables reputation decay
	DecayFactor         float64
}

// Deps are the collaborators of the orchestrator. Receipts and Metrics are
// optional.
type Deps struct {
	Pool      mempool.Pool
	Ledger    *reputation.Ledger
	Validator Validator
	Hasher    Hasher
	Executor  Executor
	Receipts  ReceiptSource
	Metrics   *metrics.Metrics
}

// StatusEvent is published whenever an operation changes state.
type StatusEvent struct {
	Hash   common.Hash              `json:"userOpHash"`
	State  bundlerTypes.UserOpState `json:"status"`
	TxHash *common.Hash             `json:"transactionHash,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// Bundler is the orchestrator: it admits user operations into the mempool,
// periodically bundles and submits them, and answers status queries.
type Bundler struct {
	cfg         Config
	entryPoints map[common.Address]struct{}
	blacklist   map[common.Address]struct{}

	pool      mempool.Pool
	ledger    *reputation.Ledger
	validator Validator
	hasher    Hasher
	executor  Executor
	receipts  ReceiptSource
	metrics   *metrics.Metrics

	receiptCache *lru.Cache[common.Hash, *bundlerTypes.UserOpReceipt]

	// cycleMu serializes bundling cycles. Scheduled ticks skip when it is
	// held, Flush waits for it.
	cycleMu sync.Mutex

	statsMu sync.Mutex
	stats   bundlerTypes.BundlerStats

	statusFeed event.Feed
	scope      event.SubscriptionScope

	scheduler *gocron.Scheduler
	dropSub   event.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now    func() time.Time
	logger log.Logger
}

// New creates an orchestrator. It does not start the schedule.
func New(cfg Config, deps Deps) (*Bundler, error) {
	if deps.Pool == nil || deps.Ledger == nil || deps.Validator == nil || deps.Hasher == nil || deps.Executor == nil {
		return nil, errors.New("bundler: pool, ledger, validator, hasher and executor are required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("bundler: chain id is required")
	}
	if cfg.ReceiptCacheSize <= 0 {
		cfg.ReceiptCacheSize = 1024
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	b := &Bundler{
		cfg:          cfg,
		entryPoints:  make(map[common.Address]struct{}, len(cfg.EntryPoints)),
		blacklist:    make(map[common.Address]struct{}, len(cfg.Blacklist)),
		pool:         deps.Pool,
		ledger:       deps.Ledger,
		validator:    deps.Validator,
		hasher:       deps.Hasher,
		executor:     deps.Executor,
		receipts:     deps.Receipts,
		metrics:      m,
		receiptCache: lru.NewCache[common.Hash, *bundlerTypes.UserOpReceipt](cfg.ReceiptCacheSize),
		now:          time.Now,
		logger:       log.New("module", "bundler"),
	}
	for _, ep := range cfg.EntryPoints {
		b.entryPoints[ep] = struct{}{}
	}
	for _, addr := range cfg.Blacklist {
		b.blacklist[addr] = struct{}{}
	}
	b.stats.StartedAt = b.now()
	b.stats.TotalGasUsed = new(big.Int)
	return b, nil
}

// Start schedules the bundling cycle and, when configured, reputation decay.
// It also starts charging dropped operations to their senders.
func (b *Bundler) Start() error {
	b.ctx, b.cancel = context.WithCancel(context.Background())

	dropped := make(chan mempool.DroppedEvent, 16)
	b.dropSub = b.pool.SubscribeDropped(dropped)
	b.wg.Add(1)
	go b.dropLoop(dropped)

	b.scheduler = gocron.NewScheduler(time.UTC)
	if _, err := b.scheduler.Every(b.cfg.BundleInterval).SingletonMode().Do(b.tick); err != nil {
		b.cancel()
		b.dropSub.Unsubscribe()
		b.wg.Wait()
		return err
	}
	if b.cfg.DecayInterval > 0 {
		if _, err := b.scheduler.Every(b.cfg.DecayInterval).SingletonMode().Do(b.decay); err != nil {
			b.cancel()
			b.dropSub.Unsubscribe()
			b.wg.Wait()
			return err
		}
	}
	b.scheduler.StartAsync()

	b.logger.Info("Bundler started",
		"chainId", b.cfg.ChainID,
		"entryPoints", len(b.cfg.EntryPoints),
		"interval", b.cfg.BundleInterval,
		"maxBundleSize", b.cfg.MaxBundleSize,
		"maxBundleGas", b.cfg.MaxBundleGas,
	)
	return nil
}

// Stop halts future ticks and waits for an in-flight cycle to finish.
func (b *Bundler) Stop() {
	if b.scheduler == nil {
		return
	}
	b.scheduler.Stop()

	// Wait for an in-flight cycle.
	b.cycleMu.Lock()
	b.cycleMu.Unlock()

	b.cancel()
	b.dropSub.Unsubscribe()
	b.wg.Wait()
	b.scope.Close()
	b.scheduler = nil
	b.logger.Info("Bundler stopped")
}

// SubscribeStatus delivers a StatusEvent for every state change.
func (b *Bundler) SubscribeStatus(ch chan<- StatusEvent) event.Subscription {
	return b.scope.Track(b.statusFeed.Subscribe(ch))
}

func (b *Bundler) publish(hash common.Hash, state bundlerTypes.UserOpState, txHash *common.Hash, reason string) {
	b.statusFeed.Send(StatusEvent{Hash: hash, State: state, TxHash: txHash, Error: reason})
}

// tick is the scheduled job: one cycle, then pruning.
func (b *Bundler) tick() {
	if !b.cycleMu.TryLock() {
		b.metrics.CyclesSkipped.Inc()
		b.logger.Warn("Bundling cycle still running, skipping tick")
		return
	}
	defer b.cycleMu.Unlock()

	if _, err := b.cycle(b.ctx); err != nil {
		b.metrics.CycleErrors.Inc()
		b.logger.Error("Bundling cycle failed", "err", err)
	}

	n, err := b.pool.Prune()
	if err != nil {
		b.metrics.CycleErrors.Inc()
		b.logger.Error("Mempool prune failed", "err", err)
	}
	if n > 0 {
		b.metrics.Pruned.Add(float64(n))
	}
	b.updatePoolGauge()
}

func (b *Bundler) decay() {
	if err := b.ledger.Decay(b.cfg.DecayFactor); err != nil {
		b.logger.Error("Reputation decay failed", "err", err)
	}
}

// dropLoop charges expired pending operations to their senders.
func (b *Bundler) dropLoop(ch <-chan mempool.DroppedEvent) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-ch:
			for _, e := range ev.Entries {
				if err := b.ledger.RecordDropped(e.Sender()); err != nil {
					b.logger.Warn("Failed to record dropped operation", "sender", e.Sender(), "err", err)
				}
				b.publish(e.Hash, bundlerTypes.StateDropped, nil, "expired")
			}
		case <-b.dropSub.Err():
			return
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bundler) updatePoolGauge() {
	c := b.pool.Count()
	b.metrics.MempoolSize.WithLabelValues(mempool.Pending.String()).Set(float64(c.Pending))
	b.metrics.MempoolSize.WithLabelValues(mempool.Submitted.String()).Set(float64(c.Submitted))
	b.metrics.MempoolSize.WithLabelValues(mempool.Included.String()).Set(float64(c.Included))
	b.metrics.MempoolSize.WithLabelValues(mempool.Failed.String()).Set(float64(c.Failed))
}

func (b *Bundler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.CallTimeout)
}
