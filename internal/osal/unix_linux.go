// Licensed under the MIT License. See LICENSE file in the project root for details.

package osal

import (
	"os"

	"golang.org/x/sys/unix"
)

func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// Tid returns the kernel thread id of the calling goroutine's current thread.
// Informational only: goroutines migrate between threads.
func Tid() uint64 {
	return uint64(unix.Gettid())
}
