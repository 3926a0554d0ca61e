package plthook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sliverarmory/plthook/procmaps"
)

type imageKey struct {
	dev    uint64
	inode  uint64
	offset uintptr
}

type pendingHook struct {
	key         imageKey
	img         *Image
	symbol      string
	replacement uintptr
	opts        []HookOption
}

// Batch collects hooks against images identified by file and applies them
// together in Commit, reading the process's mappings only once.
type Batch struct {
	engine *Engine

	mu      sync.Mutex
	pending []pendingHook
}

func (e *Engine) NewBatch() *Batch {
	return &Batch{engine: e}
}

// Register queues a hook on the image mapped from dev:inode.
func (b *Batch) Register(dev, inode uint64, symbol string, replacement uintptr, opts ...HookOption) error {
	return b.RegisterAt(dev, inode, 0, symbol, replacement, opts...)
}

// RegisterAt is Register for an image whose ELF header sits at offset in
// its file.
func (b *Batch) RegisterAt(dev, inode uint64, offset uintptr, symbol string, replacement uintptr, opts ...HookOption) error {
	if dev == 0 || inode == 0 {
		return errors.New("plthook: register: device and inode are required")
	}
	return b.add(pendingHook{
		key:         imageKey{dev: dev, inode: inode, offset: offset},
		symbol:      symbol,
		replacement: replacement,
		opts:        opts,
	})
}

// RegisterImage queues a hook on an image that is already open.
func (b *Batch) RegisterImage(img *Image, symbol string, replacement uintptr, opts ...HookOption) error {
	if img == nil {
		return errors.New("plthook: register: image is nil")
	}
	return b.add(pendingHook{img: img, symbol: symbol, replacement: replacement, opts: opts})
}

func (b *Batch) add(p pendingHook) error {
	if p.symbol == "" {
		return errors.New("plthook: register: symbol is empty")
	}
	if p.replacement == 0 {
		return errors.New("plthook: register: replacement is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, p)
	return nil
}

// Len is the number of queued hooks.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Commit applies every queued hook and empties the queue. The returned
// handles are in registration order, with nil for hooks that failed; the
// error joins every failure.
func (b *Batch) Commit() ([]*Handle, error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil, nil
	}

	var (
		entries []procmaps.Mapping
		scanErr error
		scanned bool
		images  = make(map[imageKey]*Image)
		openErr = make(map[imageKey]error)
	)
	resolve := func(p pendingHook) (*Image, error) {
		if p.img != nil {
			return p.img, nil
		}
		if img, ok := images[p.key]; ok {
			return img, nil
		}
		if err, ok := openErr[p.key]; ok {
			return nil, err
		}
		if !scanned {
			entries, scanErr = procmaps.Scan("self")
			scanned = true
		}
		if scanErr != nil {
			return nil, scanErr
		}
		m, err := procmaps.ByInode(entries, p.key.dev, p.key.inode, p.key.offset)
		if err == nil {
			var img *Image
			if img, err = openMapping(m); err == nil {
				images[p.key] = img
				return img, nil
			}
		}
		openErr[p.key] = err
		return nil, err
	}

	handles := make([]*Handle, len(pending))
	var errs []error
	for i, p := range pending {
		img, err := resolve(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("plthook: commit %s: %w", p.symbol, err))
			continue
		}
		h, err := b.engine.Hook(img, p.symbol, p.replacement, p.opts...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		handles[i] = h
	}
	return handles, errors.Join(errs...)
}
