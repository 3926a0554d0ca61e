// Package plthook redirects calls an ELF shared object makes through its
// PLT/GOT to replacement functions, and puts them back.
//
// The package works on images that are already loaded into the current
// process. It never loads or unloads anything itself.
package plthook

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sliverarmory/plthook/elfimage"
	"github.com/sliverarmory/plthook/patch"
	"github.com/sliverarmory/plthook/registry"
	"github.com/sliverarmory/plthook/resolver"
)

var (
	ErrMalformedImage         = elfimage.ErrMalformedImage
	ErrUnsupportedClass       = elfimage.ErrUnsupportedClass
	ErrSymbolNotFound         = resolver.ErrSymbolNotFound
	ErrProtectionChangeFailed = patch.ErrProtectionChangeFailed
	ErrUnalignedSlot          = patch.ErrUnalignedSlot
	ErrDoubleUnhook           = registry.ErrDoubleUnhook

	ErrEngineClosed = errors.New("plthook: engine is closed")
)

// Record describes one hooked slot.
type Record = registry.Record

type Option func(*Engine)

// WithLogger sets where the engine logs. The shared patcher logs to the
// standard logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(e *Engine) {
		e.log = logger
	}
}

// WithPatcher replaces the slot writer. Engines built with the same
// patcher share one hook registry, so p must be comparable, normally a
// pointer.
func WithPatcher(p registry.Patcher) Option {
	return func(e *Engine) {
		e.patcher = p
	}
}

// Slot ownership is process-wide: every engine writing through the same
// patcher records its hooks in the same registry, and engines only scope
// the handles they created.
var shared struct {
	mu         sync.Mutex
	patcher    *patch.Patcher
	registries map[registry.Patcher]*registry.Registry
}

func sharedPatcher() (*patch.Patcher, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.patcher == nil {
		p, err := patch.New(patch.WithLogger(log.StandardLogger()))
		if err != nil {
			return nil, err
		}
		shared.patcher = p
	}
	return shared.patcher, nil
}

func registryFor(p registry.Patcher) *registry.Registry {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.registries == nil {
		shared.registries = make(map[registry.Patcher]*registry.Registry)
	}
	reg, ok := shared.registries[p]
	if !ok {
		reg = registry.New(p)
		shared.registries[p] = reg
	}
	return reg
}

// Engine is a scope for hooks. Engines share slot ownership, so two of
// them hooking one slot nest like two hooks made through the same engine,
// and closing an engine only removes the hooks it made.
type Engine struct {
	mu      sync.RWMutex
	log     log.FieldLogger
	patcher registry.Patcher
	reg     *registry.Registry
	closed  bool

	hmu  sync.Mutex
	live []*Handle
}

func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{log: log.StandardLogger()}
	for _, opt := range opts {
		opt(e)
	}
	if e.patcher == nil {
		p, err := sharedPatcher()
		if err != nil {
			return nil, fmt.Errorf("plthook: create patcher: %w", err)
		}
		e.patcher = p
	}
	e.reg = registryFor(e.patcher)
	return e, nil
}

var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

// Default returns the process-wide engine, creating it on first use and
// again after it was closed.
func Default() (*Engine, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil || defaultEngine.Closed() {
		e, err := NewEngine()
		if err != nil {
			return nil, err
		}
		defaultEngine = e
	}
	return defaultEngine, nil
}

// Hooks lists every slot hooked through e's patcher, by any engine.
func (e *Engine) Hooks() []Record {
	return e.reg.Records()
}

func (e *Engine) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) track(h *Handle) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.live = append(e.live, h)
}

func (e *Engine) forget(h *Handle) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.live = slices.DeleteFunc(e.live, func(l *Handle) bool { return l == h })
}

// Close removes every hook made through e, newest first, and restores the
// slots. Hooks other engines hold on the same slots stay in place.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	e.hmu.Lock()
	live := slices.Clone(e.live)
	e.hmu.Unlock()

	var errs []error
	for _, h := range slices.Backward(live) {
		if err := e.release(h); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("plthook: close: %w", err)
	}
	return nil
}

// Hook hooks symbol in img through the default engine.
func Hook(img *Image, symbol string, replacement uintptr, opts ...HookOption) (*Handle, error) {
	e, err := Default()
	if err != nil {
		return nil, err
	}
	return e.Hook(img, symbol, replacement, opts...)
}

// Unhook releases h on the engine that created it.
func Unhook(h *Handle) error {
	if h == nil || h.engine == nil {
		return fmt.Errorf("plthook: unhook: %w", ErrDoubleUnhook)
	}
	return h.engine.Unhook(h)
}

// GetOriginal returns the address h's replacement should call through to.
func GetOriginal(h *Handle) (uintptr, error) {
	if h == nil || h.engine == nil {
		return 0, fmt.Errorf("plthook: original: %w", ErrDoubleUnhook)
	}
	return h.engine.Original(h)
}

// Hooks lists the slots hooked through the default engine.
func Hooks() []Record {
	e, err := Default()
	if err != nil {
		return nil
	}
	return e.Hooks()
}
