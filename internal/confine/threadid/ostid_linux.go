//go:build linux

package threadid

import "golang.org/x/sys/unix"

// OSThread returns the kernel thread id of the OS thread currently running
// the caller. Unless the goroutine called runtime.LockOSThread the value may
// change between two calls.
func OSThread() int {
	return unix.Gettid()
}
