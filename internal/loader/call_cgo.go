//go:build linux && cgo

package loader

/*
#include <stdint.h>

typedef uintptr_t (*plthook_fn0)(void);
typedef uintptr_t (*plthook_fn1)(uintptr_t);
typedef uintptr_t (*plthook_fn2)(uintptr_t, uintptr_t);

static uintptr_t plthook_call0(uintptr_t fn) {
	return ((plthook_fn0)fn)();
}

static uintptr_t plthook_call1(uintptr_t fn, uintptr_t a0) {
	return ((plthook_fn1)fn)(a0);
}

static uintptr_t plthook_call2(uintptr_t fn, uintptr_t a0, uintptr_t a1) {
	return ((plthook_fn2)fn)(a0, a1);
}
*/
import "C"

func cCall0(fn uintptr) uintptr {
	return uintptr(C.plthook_call0(C.uintptr_t(fn)))
}

func cCall1(fn, a0 uintptr) uintptr {
	return uintptr(C.plthook_call1(C.uintptr_t(fn), C.uintptr_t(a0)))
}

func cCall2(fn, a0, a1 uintptr) uintptr {
	return uintptr(C.plthook_call2(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1)))
}
