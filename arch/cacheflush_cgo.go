//go:build cgo

package arch

/*
static void plthook_clear_cache(char *begin, char *end) {
	__builtin___clear_cache(begin, end);
}
*/
import "C"

import "unsafe"

func flushCache(begin, end uintptr) {
	C.plthook_clear_cache((*C.char)(unsafe.Pointer(begin)), (*C.char)(unsafe.Pointer(end)))
}
