//go:build !linux

package patch

import "errors"

var errUnsupported = errors.New("slot patching is only supported on linux")

func New(opts ...Option) (*Patcher, error) {
	_ = opts
	return nil, errUnsupported
}

func (p *Patcher) Read(slot uintptr) (uintptr, error) {
	_ = slot
	return 0, errUnsupported
}

func (p *Patcher) Patch(slot, value uintptr) (uintptr, error) {
	_, _ = slot, value
	return 0, errUnsupported
}
