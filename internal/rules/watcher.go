package rules

import (
	"context"
	"time"

	"github.com/coinatlas/edge-gatekeeper/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new hash.
	DefaultPollInterval = 60 * time.Second

	// maxBackoff caps exponential backoff on consecutive fetch errors.
	maxBackoff = 5 * time.Minute
)

// Fetcher is the interface the Watcher needs from a Loader, extracted so
// tests can use simple doubles.
type Fetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncRulesPolls()
	IncRulesSwaps()
	IncRulesError(errType string)
	SetRulesLastSuccess(unixSeconds float64)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       Fetcher
	Holder       *Holder
	PollInterval time.Duration

	// OnSwap runs after a successful swap, synchronously on the poll
	// goroutine. Used to refresh provenance metrics.
	OnSwap func(hash string)

	Metrics WatcherMetrics
}

// Watcher polls SSM for rules changes and hot-swaps new documents into the
// Holder. Enforcement state already in flight keeps using the old snapshot
// until its next request.
type Watcher struct {
	loader   Fetcher
	holder   *Holder
	logger   log.Logger
	interval time.Duration
	onSwap   func(hash string)
	metrics  WatcherMetrics

	currentHash     string
	consecutiveErrs int
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// seed from holder so the first poll doesn't re-download what startup
	// already loaded
	currentHash := ""
	if _, hash, _ := opts.Holder.Meta(); hash != "" {
		currentHash = hash
	}

	return &Watcher{
		loader:      opts.Loader,
		holder:      opts.Holder,
		logger:      opts.Logger,
		interval:    interval,
		onSwap:      opts.OnSwap,
		metrics:     opts.Metrics,
		currentHash: currentHash,
	}
}

// Run starts the poll loop and blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info(ctx, "rules watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rules watcher stopping")
			return
		case <-ticker.C:
			w.poll(ctx)
			ticker.Reset(w.nextInterval())
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.IncRulesPolls()
	}

	hash, err := w.loader.FetchCurrentHash(ctx)
	if err != nil {
		w.consecutiveErrs++
		if w.metrics != nil {
			w.metrics.IncRulesError("ssm")
		}
		w.logger.Warn(ctx, "rules hash fetch failed",
			"consecutive_errors", w.consecutiveErrs,
			"error", err.Error(),
		)
		return
	}

	if w.metrics != nil {
		w.metrics.SetRulesLastSuccess(float64(time.Now().Unix()))
	}

	if hash == w.currentHash {
		w.consecutiveErrs = 0
		return
	}

	snap, err := w.loader.LoadHash(ctx, hash)
	if err != nil {
		w.consecutiveErrs++
		if w.metrics != nil {
			w.metrics.IncRulesError("load")
		}
		// keep enforcing the current snapshot; a broken bundle must not
		// take down policy
		w.logger.Error(ctx, err, "rules document load failed, keeping active snapshot",
			"new_hash", truncHash(hash),
			"active_hash", truncHash(w.currentHash),
		)
		return
	}

	w.holder.Set(*snap)
	w.currentHash = hash
	w.consecutiveErrs = 0

	if w.metrics != nil {
		w.metrics.IncRulesSwaps()
	}
	if w.onSwap != nil {
		w.onSwap(hash)
	}

	w.logger.Info(ctx, "rules document swapped",
		"hash", truncHash(hash),
	)
}

// nextInterval applies exponential backoff after consecutive errors so a
// broken SSM parameter doesn't get hammered every tick.
func (w *Watcher) nextInterval() time.Duration {
	if w.consecutiveErrs == 0 {
		return w.interval
	}
	backoff := w.interval
	for i := 0; i < w.consecutiveErrs && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
