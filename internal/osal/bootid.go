// Licensed under the MIT License. See LICENSE file in the project root for details.

package osal

import (
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

var (
	bootOnce sync.Once
	bootID   uuid.UUID
)

// BootID returns the identifier of the current host boot, or uuid.Nil when
// the platform does not expose one. The value is read once per process.
func BootID() uuid.UUID {
	bootOnce.Do(func() {
		bootID = readBootID(bootIDPath)
	})
	return bootID
}

func readBootID(path string) uuid.UUID {
	raw, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return uuid.Nil
	}
	return id
}
