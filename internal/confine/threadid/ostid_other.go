//go:build !linux

package threadid

// OSThread returns -1 on platforms without a cheap kernel thread id.
func OSThread() int {
	return -1
}
