package policy

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tradegate/backend/internal/core"
)

// Evaluator holds the active policy bundle behind an atomic pointer. Hot
// reloads swap the whole bundle; decisions in flight keep the bundle they
// started with, new decisions see the new snapshot hash. Every installed
// bundle is archived by its on-token hash so evidence packs can embed the
// exact content a historical decision used.
type Evaluator struct {
	bundlePath string
	active     atomic.Pointer[Bundle]
	logger     *log.Logger

	archiveMu sync.RWMutex
	archive   map[string]string // token hash -> bundle content
}

// NewEvaluator creates an evaluator. When bundlePath is empty the built-in
// default bundle is installed; otherwise the file must parse or the
// constructor fails and the caller decides whether to start deny-all.
func NewEvaluator(bundlePath string) (*Evaluator, error) {
	e := &Evaluator{
		bundlePath: bundlePath,
		logger:     log.New(log.Writer(), "[Policy] ", log.LstdFlags),
		archive:    make(map[string]string),
	}

	if bundlePath == "" {
		bundle, err := ParseBundle([]byte(DefaultBundleContent))
		if err != nil {
			return nil, err
		}
		e.Install(bundle)
		e.logger.Printf("loaded built-in default bundle version=%s hash=%s", bundle.Version, bundle.TokenHash())
		return e, nil
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the bundle file and atomically swaps it in. On any error
// the previous bundle stays active.
func (e *Evaluator) Reload() error {
	if e.bundlePath == "" {
		return fmt.Errorf("policy: no bundle path configured")
	}
	content, err := os.ReadFile(e.bundlePath)
	if err != nil {
		return fmt.Errorf("policy: read bundle %s: %w", e.bundlePath, err)
	}
	bundle, err := ParseBundle(content)
	if err != nil {
		return err
	}
	e.Install(bundle)
	e.logger.Printf("reloaded bundle version=%s hash=%s rules=%d", bundle.Version, bundle.TokenHash(), len(bundle.Rules))
	return nil
}

// Install atomically swaps in an already-parsed bundle and archives its
// content. Used by Reload, tests, and administrative bundle pushes.
func (e *Evaluator) Install(b *Bundle) {
	if b != nil {
		e.archiveMu.Lock()
		if e.archive == nil {
			e.archive = make(map[string]string)
		}
		e.archive[b.TokenHash()] = b.Content
		e.archiveMu.Unlock()
	}
	e.active.Store(b)
}

// ContentByTokenHash returns the archived bundle content for an on-token
// snapshot hash.
func (e *Evaluator) ContentByTokenHash(tokenHash string) (string, bool) {
	e.archiveMu.RLock()
	defer e.archiveMu.RUnlock()
	content, ok := e.archive[tokenHash]
	return content, ok
}

// Bundle returns the active bundle, or nil before the first load.
func (e *Evaluator) Bundle() *Bundle {
	return e.active.Load()
}

// Evaluate applies the active bundle. With no bundle loaded the evaluator
// fails closed: BLOCK with GATE_UNAVAILABLE and ErrNoBundle.
func (e *Evaluator) Evaluate(order core.Order, ctx ExposureContext) (Result, error) {
	bundle := e.active.Load()
	if bundle == nil {
		return Result{
			Decision:   ActionBlock,
			ReasonCode: core.ReasonGateUnavailable,
		}, ErrNoBundle
	}
	return bundle.Evaluate(order, ctx), nil
}
