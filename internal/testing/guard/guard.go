// Package guard puts binaries into test mode when imported from a test: main
// returns early and nothing writes scans into the working tree.
package guard

import (
	"os"
	"path/filepath"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		setDefault("SAF_TEST_MODE", "1")
		setDefault("SCAN_STORE", "fs")
		setDefault("SCAN_DIR", filepath.Join(os.TempDir(), "saf-test-scans"))
		setDefault("LOG_LEVEL", "warn")
	})
}

func setDefault(key, val string) {
	if os.Getenv(key) == "" {
		_ = os.Setenv(key, val)
	}
}
