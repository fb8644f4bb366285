// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix && !linux

package osal

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}

// Tid is not available outside Linux.
func Tid() uint64 {
	return 0
}
