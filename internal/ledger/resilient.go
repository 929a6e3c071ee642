package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

// ResilientOptions bounds calls made through a Resilient gateway.
type ResilientOptions struct {
	// ReadTimeout bounds each Exists, ReadStatus and EstimateCost attempt.
	ReadTimeout time.Duration
	// SubmitTimeout bounds Submit, including waiting for inclusion.
	SubmitTimeout time.Duration
	// ReadRetries is the number of extra attempts for reads after a transport failure.
	ReadRetries int
	// Backoff is the pause before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// DefaultResilientOptions returns conservative defaults.
func DefaultResilientOptions() ResilientOptions {
	return ResilientOptions{
		ReadTimeout:   5 * time.Second,
		SubmitTimeout: 2 * time.Minute,
		ReadRetries:   2,
		Backoff:       200 * time.Millisecond,
	}
}

// Resilient wraps a Gateway with timeouts and read retries. Submit is never
// retried: a timed-out submission may still commit, so the caller must probe.
type Resilient struct {
	inner Gateway
	opts  ResilientOptions
	sleep func(context.Context, time.Duration) error
}

// NewResilient wraps inner. Zero-valued options fall back to defaults.
func NewResilient(inner Gateway, opts ResilientOptions) *Resilient {
	def := DefaultResilientOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = def.SubmitTimeout
	}
	if opts.ReadRetries < 0 {
		opts.ReadRetries = 0
	}
	return &Resilient{inner: inner, opts: opts, sleep: sleepContext}
}

var _ Gateway = (*Resilient)(nil)

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Exists probes token existence.
func (r *Resilient) Exists(ctx context.Context, id tokenid.ID) (bool, error) {
	var out bool
	err := r.read(ctx, "exists", func(ctx context.Context) error {
		var err error
		out, err = r.inner.Exists(ctx, id)
		return err
	})
	return out, err
}

// ReadStatus reads the on-chain lifecycle state.
func (r *Resilient) ReadStatus(ctx context.Context, id tokenid.ID) (domain.Status, error) {
	out := domain.StatusUnknown
	err := r.read(ctx, "readStatus", func(ctx context.Context) error {
		var err error
		out, err = r.inner.ReadStatus(ctx, id)
		return err
	})
	return out, err
}

// EstimateCost returns the advisory cost of call.
func (r *Resilient) EstimateCost(ctx context.Context, call Call) (*big.Int, error) {
	var out *big.Int
	err := r.read(ctx, "estimateCost", func(ctx context.Context) error {
		var err error
		out, err = r.inner.EstimateCost(ctx, call)
		return err
	})
	return out, err
}

// Submit sends call once under SubmitTimeout.
func (r *Resilient) Submit(ctx context.Context, call Call) (Receipt, error) {
	if err := call.Validate(); err != nil {
		return Receipt{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.SubmitTimeout)
	defer cancel()
	receipt, err := r.inner.Submit(cctx, call)
	if err != nil {
		return Receipt{}, classify(string(call.Operation), err)
	}
	return receipt, nil
}

func (r *Resilient) read(ctx context.Context, name string, fn func(context.Context) error) error {
	backoff := r.opts.Backoff
	var err error
	for attempt := 0; attempt <= r.opts.ReadRetries; attempt++ {
		if attempt > 0 {
			if serr := r.sleep(ctx, backoff); serr != nil {
				return domain.Transport(name, serr)
			}
			backoff *= 2
		}
		cctx, cancel := context.WithTimeout(ctx, r.opts.ReadTimeout)
		err = fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		err = classify(name, err)
		if domain.CodeOf(err) != domain.CodeTransportError || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// classify keeps coded errors and treats everything else as ambiguous transport.
func classify(operation string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Transport(operation, err)
}
