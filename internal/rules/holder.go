package rules

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

// Source records where the active rules came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceS3      Source = "s3"
)

// Snapshot is one loaded policy with provenance metadata.
type Snapshot struct {
	Compiled *Compiled
	Source   Source
	Hash     string
	LoadedAt time.Time
}

// Holder is the atomic owner of the active rules snapshot. Stages load the
// current snapshot once per request; the watcher swaps in new snapshots
// without coordination.
type Holder struct {
	active atomic.Pointer[Snapshot]
}

func NewHolder() *Holder { return &Holder{} }

// Set swaps in a new snapshot. LoadedAt is stamped if unset.
func (h *Holder) Set(s Snapshot) {
	cp := new(Snapshot)
	*cp = s
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	h.active.Store(cp)
}

// Current returns the active compiled rules. A Holder that was never Set
// falls back to the compiled-in defaults, so callers never see nil.
func (h *Holder) Current() *Compiled {
	if s := h.active.Load(); s != nil && s.Compiled != nil {
		return s.Compiled
	}
	return defaultCompiled()
}

// Meta returns provenance for the active snapshot.
func (h *Holder) Meta() (Source, string, time.Time) {
	if s := h.active.Load(); s != nil {
		return s.Source, s.Hash, s.LoadedAt
	}
	return SourceDefault, "", time.Time{}
}

// ReadyErr reports whether any snapshot has been loaded, for readiness.
func (h *Holder) ReadyErr() error {
	if h.active.Load() == nil {
		return xerrors.New("rules: no policy snapshot loaded")
	}
	return nil
}

// FromFile loads and compiles a local YAML rules document.
func FromFile(path string) (*Compiled, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read rules file %s", path)
	}
	return Parse(data)
}

var defaultOnce atomic.Pointer[Compiled]

func defaultCompiled() *Compiled {
	if c := defaultOnce.Load(); c != nil {
		return c
	}
	c := MustDefault()
	defaultOnce.CompareAndSwap(nil, c)
	return defaultOnce.Load()
}
