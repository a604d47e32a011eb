//go:build darwin && cgo

package dlopen

// #cgo LDFLAGS: -ldl
// #include <stdlib.h>
// #include <dlfcn.h>
import "C"
import "unsafe"

// Supported reports whether this build can actually consult the dynamic loader.
const Supported = true

// Available asks the in-process dynamic loader to resolve path lazily and
// locally, releasing the handle right away. Any resolution failure is false.
func Available(path string) bool {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	handle := C.dlopen(cpath, C.RTLD_LAZY|C.RTLD_LOCAL)
	if handle == nil {
		return false
	}
	C.dlclose(handle)

	return true
}
