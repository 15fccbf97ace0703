// Package relayer owns the signing key and turns lifecycle operations into
// confirmed, classified ledger transactions.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/chain/rpc"
)

// Node is the subset of the ledger RPC the relayer uses.
type Node interface {
	GetLatestBlockhash(ctx context.Context) (chain.Hash, uint64, error)
	SendTransaction(ctx context.Context, raw []byte, skipPreflight bool) (string, error)
	GetSignatureStatuses(ctx context.Context, sigs []string) ([]*rpc.SignatureStatus, error)
	GetTransactionLogs(ctx context.Context, sig string) ([]string, error)
	GetAccountInfo(ctx context.Context, addr chain.PublicKey) (*rpc.AccountInfo, error)
	GetMultipleAccounts(ctx context.Context, addrs []chain.PublicKey) ([]*rpc.AccountInfo, error)
}

// Watcher streams confirmation for one signature.
type Watcher interface {
	Wait(ctx context.Context, sig string) (json.RawMessage, error)
}

// Config tunes submission.
type Config struct {
	ComputeUnitLimit uint32
	PriorityFee      uint64 // micro-lamports per compute unit
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	MaxBatch         int // instructions per transaction for activation/close/cancel
	SettleChunkSize  int // settlement instructions per transaction
	SkipPreflight    bool
}

func (c *Config) applyDefaults() {
	if c.ComputeUnitLimit == 0 {
		c.ComputeUnitLimit = 400_000
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 45 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 8
	}
	if c.SettleChunkSize <= 0 {
		c.SettleChunkSize = 5
	}
}

// Client submits market program transactions as the relayer authority.
type Client struct {
	node    Node
	watcher Watcher
	signer  chain.Signer
	builder chain.Builder
	cfg     Config
	logger  *slog.Logger

	// feeAccountReady caches a positive existence check of the
	// authority's token account for the life of the process.
	feeAccountReady atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithWatcher confirms through a pub/sub socket before falling back to
// status polling.
func WithWatcher(w Watcher) Option {
	return func(c *Client) { c.watcher = w }
}

// New creates a relayer client.
func New(node Node, signer chain.Signer, d chain.Deriver, cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		node:    node,
		signer:  signer,
		builder: chain.Builder{Deriver: d, Authority: signer.PublicKey()},
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "relayer")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Authority returns the relayer's address.
func (c *Client) Authority() chain.PublicKey { return c.signer.PublicKey() }

// Deriver returns the address deriver for this deployment.
func (c *Client) Deriver() chain.Deriver { return c.builder.Deriver }

func (c *Client) budget() []chain.Instruction {
	ixs := []chain.Instruction{chain.SetComputeUnitLimit(c.cfg.ComputeUnitLimit)}
	if c.cfg.PriorityFee > 0 {
		ixs = append(ixs, chain.SetComputeUnitPrice(c.cfg.PriorityFee))
	}
	return ixs
}

// Submit signs and sends ixs in one transaction with the compute budget
// attached, waits for confirmation, and inspects the landed result.
func (c *Client) Submit(ctx context.Context, op string, ixs []chain.Instruction) Result {
	res := c.submit(ctx, op, append(c.budget(), ixs...))
	submissionsTotal.WithLabelValues(op, res.Kind.String()).Inc()

	attrs := []any{slog.String("op", op), slog.String("kind", res.Kind.String()), slog.String("signature", res.Signature)}
	switch res.Kind {
	case KindSuccess:
		c.logger.Debug("transaction confirmed", attrs...)
	case KindAlreadyApplied, KindMissingAccount:
		c.logger.Info("transaction classified", append(attrs, slog.Any("error", res.Err))...)
	case KindTransient:
		c.logger.Warn("transaction failed transiently", append(attrs, slog.Any("error", res.Err))...)
	default:
		c.logger.Error("transaction failed", append(attrs, slog.Any("error", res.Err), slog.Any("logs", res.Logs))...)
	}
	return res
}

func (c *Client) submit(ctx context.Context, op string, ixs []chain.Instruction) Result {
	blockhash, _, err := c.node.GetLatestBlockhash(ctx)
	if err != nil {
		return Result{Kind: Classify(err, nil), Err: fmt.Errorf("latest blockhash: %w", err)}
	}
	tx, err := chain.NewTransaction(ixs, blockhash, c.signer)
	if err != nil {
		return Result{Kind: KindFatal, Err: err}
	}
	raw, err := tx.Serialize()
	if err != nil {
		return Result{Kind: KindFatal, Err: err}
	}

	start := time.Now()
	sig, err := c.node.SendTransaction(ctx, raw, c.cfg.SkipPreflight)
	if err != nil {
		var logs []string
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			logs = rpcErr.Logs()
		}
		return Result{Kind: Classify(err, logs), Signature: tx.Signature(), Err: err, Logs: logs}
	}

	txErr, err := c.confirm(ctx, sig)
	if err != nil {
		return Result{Kind: Classify(err, nil), Signature: sig, Err: err}
	}
	confirmDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if len(txErr) == 0 || string(txErr) == "null" {
		return Result{Kind: KindSuccess, Signature: sig}
	}
	logs, lerr := c.node.GetTransactionLogs(ctx, sig)
	if lerr != nil {
		c.logger.Warn("fetch transaction logs", slog.String("signature", sig), slog.Any("error", lerr))
	}
	landed := fmt.Errorf("transaction landed with error %s", string(txErr))
	kind := Classify(landed, logs)
	if kind == KindTransient {
		// Program failures are deterministic; only RPC failures are transient.
		kind = KindFatal
	}
	return Result{Kind: kind, Signature: sig, Err: landed, Logs: logs}
}

// confirm waits for sig and returns the embedded transaction error.
func (c *Client) confirm(ctx context.Context, sig string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	if c.watcher != nil {
		txErr, err := c.watcher.Wait(ctx, sig)
		if err == nil {
			return txErr, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("confirm %s: %w", sig, ctx.Err())
		}
		c.logger.Debug("watcher failed, polling", slog.String("signature", sig), slog.Any("error", err))
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		statuses, err := c.node.GetSignatureStatuses(ctx, []string{sig})
		if err == nil && len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Failed() {
				return st.Err, nil
			}
			if st.Confirmed() {
				return nil, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirm %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// submitItems packs items into transactions of at most max items and
// submits each one. The result slice is aligned with items; every item
// carries its transaction's result. A failed transaction does not stop
// later ones.
func (c *Client) submitItems(ctx context.Context, op string, prefix []chain.Instruction, items [][]chain.Instruction, max int) ([]Result, []batchSpan) {
	results := make([]Result, len(items))
	batches, err := chain.Pack(c.Authority(), append(c.budget(), prefix...), items, max)
	if err != nil {
		for i := range results {
			results[i] = Result{Kind: KindFatal, Err: err}
		}
		return results, []batchSpan{{0, len(items)}}
	}

	var spans []batchSpan
	next := 0
	for _, batch := range batches {
		lo, n := next, 0
		for consumed := 0; consumed < len(batch); n++ {
			consumed += len(items[lo+n])
		}
		hi := lo + n
		next = hi

		res := c.Submit(ctx, op, append(append([]chain.Instruction{}, prefix...), batch...))
		for i := lo; i < hi; i++ {
			results[i] = res
		}
		spans = append(spans, batchSpan{lo, hi})
	}
	return results, spans
}

type batchSpan struct{ lo, hi int }
