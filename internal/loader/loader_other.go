//go:build !linux || !cgo

package loader

import "errors"

var (
	errUnsupported = errors.New("loader: requires linux and cgo")
	ErrClosed      = errors.New("loader: module is closed")
)

type Module struct{}

func Load(data []byte) (*Module, error) {
	_ = data
	return nil, errUnsupported
}

func LoadFile(path string) (*Module, error) {
	_ = path
	return nil, errUnsupported
}

func (m *Module) Free() {}

func (m *Module) Symbol(name string) (uintptr, error) {
	_ = name
	return 0, errUnsupported
}

func (m *Module) Call(name string, args ...uintptr) (uintptr, error) {
	_, _ = name, args
	return 0, errUnsupported
}

func Call(fn uintptr, args ...uintptr) (uintptr, error) {
	_, _ = fn, args
	return 0, errUnsupported
}
