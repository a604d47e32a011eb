//go:build !darwin || !cgo

package dlopen

// Supported reports whether this build can actually consult the dynamic loader.
const Supported = false

// Available always reports true when the host loader can't be consulted, so
// auto-removal removes nothing instead of everything.
func Available(path string) bool {
	return true
}
