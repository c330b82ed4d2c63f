// Package memlimit resolves the memory ceiling a process runs under, used as
// the memory term of the stage cost proxy.
package memlimit

import (
	"os"
	"strconv"
	"strings"

	"github.com/fave-labs/fave-go/internal/platform/env"
)

const (
	DefaultMB  = 512
	cgroupPath = "/sys/fs/cgroup/memory.max"
)

// Detect returns MEMORY_LIMIT_MB when set, else the cgroup v2 limit, else def.
func Detect(def int) int {
	return detect(def, cgroupPath)
}

func detect(def int, path string) int {
	if v, err := env.Int("MEMORY_LIMIT_MB", 0); err == nil && v > 0 {
		return v
	}
	if mb, ok := fromCgroup(path); ok {
		return mb
	}
	if def <= 0 {
		return DefaultMB
	}
	return def
}

func fromCgroup(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	value := strings.TrimSpace(string(raw))
	// "max" means unlimited.
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 || n >= 1<<60 {
		return 0, false
	}
	mb := n / (1024 * 1024)
	if mb < 1 {
		mb = 1
	}
	return int(mb), true
}
