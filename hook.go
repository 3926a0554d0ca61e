package plthook

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sliverarmory/plthook/registry"
	"github.com/sliverarmory/plthook/resolver"
)

type hookConfig struct {
	version   string
	firstOnly bool
}

type HookOption func(*hookConfig)

// WithVersion requires the imported symbol to carry this exact version.
// A "name@VERSION" symbol does the same.
func WithVersion(version string) HookOption {
	return func(c *hookConfig) {
		c.version = version
	}
}

// FirstSlotOnly hooks only the first slot found instead of every slot the
// image imports the symbol through.
func FirstSlotOnly() HookOption {
	return func(c *hookConfig) {
		c.firstOnly = true
	}
}

type hookedSlot struct {
	addr   uintptr
	handle registry.Handle
}

// Handle is the result of one Hook call. It may cover several slots.
type Handle struct {
	engine  *Engine
	Symbol  string
	Version string
	// Ambiguous is set when the symbol was imported under several versions
	// and only the first was hooked.
	Ambiguous bool

	mu    sync.Mutex
	slots []hookedSlot
}

// Slots returns the addresses of the hooked slots.
func (h *Handle) Slots() []uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uintptr, len(h.slots))
	for i, s := range h.slots {
		out[i] = s.addr
	}
	return out
}

func (h *Handle) Unhook() error {
	return Unhook(h)
}

func (h *Handle) Original() (uintptr, error) {
	return GetOriginal(h)
}

// Hook points every slot through which img imports symbol at replacement.
// If any slot cannot be written, the slots already written are restored and
// the error is returned.
func (e *Engine) Hook(img *Image, symbol string, replacement uintptr, opts ...HookOption) (*Handle, error) {
	if img == nil {
		return nil, errors.New("plthook: image is nil")
	}
	if replacement == 0 {
		return nil, errors.New("plthook: replacement is nil")
	}
	cfg := hookConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	dyn, err := img.Dynamic()
	if err != nil {
		return nil, fmt.Errorf("plthook: hook %s: %w", symbol, err)
	}
	res, err := resolver.Find(dyn, symbol, cfg.version)
	if err != nil {
		return nil, fmt.Errorf("plthook: hook %s: %w", symbol, err)
	}
	fields := log.Fields{
		"image":  img.Path(),
		"symbol": res.Name,
	}
	if res.Version != "" {
		fields["version"] = res.Version
	}
	logger := e.log.WithFields(fields)
	if res.Ambiguous {
		logger.WithField("skipped", res.Skipped).Warn("symbol is imported under several versions, hooking the first one only")
	}

	slots := res.Slots
	if cfg.firstOnly {
		slots = slots[:1]
	}

	h := &Handle{
		engine:    e,
		Symbol:    res.Name,
		Version:   res.Version,
		Ambiguous: res.Ambiguous,
	}
	for _, slot := range slots {
		rh, err := e.reg.Hook(slot.Addr, replacement, res.Name)
		if err != nil {
			err = fmt.Errorf("plthook: hook %s at %#x: %w", res.Name, slot.Addr, err)
			if rbErr := e.rollback(h); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return nil, err
		}
		h.slots = append(h.slots, hookedSlot{addr: slot.Addr, handle: rh})
		logger.WithField("slot", fmt.Sprintf("%#x", slot.Addr)).Debug("hooked")
	}
	e.track(h)
	return h, nil
}

func (e *Engine) rollback(h *Handle) error {
	var errs []error
	for _, s := range slices.Backward(h.slots) {
		if err := e.reg.Unhook(s.handle); err != nil {
			errs = append(errs, fmt.Errorf("plthook: roll back %#x: %w", s.addr, err))
		}
	}
	h.slots = nil
	return errors.Join(errs...)
}

// Unhook releases every slot h holds. Slots that could not be restored stay
// in h so the call can be retried.
func (e *Engine) Unhook(h *Handle) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if h == nil || h.engine != e {
		return fmt.Errorf("plthook: unhook: %w", ErrDoubleUnhook)
	}
	return e.release(h)
}

// release is Unhook without the engine lock, shared with Close.
func (e *Engine) release(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.slots) == 0 {
		return fmt.Errorf("plthook: unhook %s: %w", h.Symbol, ErrDoubleUnhook)
	}

	var (
		errs   []error
		failed []hookedSlot
	)
	for _, s := range slices.Backward(h.slots) {
		if err := e.reg.Unhook(s.handle); err != nil {
			errs = append(errs, fmt.Errorf("plthook: unhook %s at %#x: %w", h.Symbol, s.addr, err))
			failed = append(failed, s)
			continue
		}
		e.log.WithFields(log.Fields{
			"symbol": h.Symbol,
			"slot":   fmt.Sprintf("%#x", s.addr),
		}).Debug("unhooked")
	}
	slices.Reverse(failed)
	h.slots = failed
	if len(failed) == 0 {
		e.forget(h)
	}
	return errors.Join(errs...)
}

// Original returns the value h's first slot held before h was applied,
// which is what a replacement calls to reach the hooked function.
func (e *Engine) Original(h *Handle) (uintptr, error) {
	if h == nil || h.engine != e {
		return 0, fmt.Errorf("plthook: original: %w", ErrDoubleUnhook)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.slots) == 0 {
		return 0, fmt.Errorf("plthook: original %s: %w", h.Symbol, ErrDoubleUnhook)
	}
	orig, err := e.reg.Original(h.slots[0].handle)
	if err != nil {
		return 0, fmt.Errorf("plthook: original: %w", err)
	}
	return orig, nil
}
