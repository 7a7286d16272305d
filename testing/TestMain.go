// Package testing switches binaries into test mode when imported by a test
// package, so nothing starts the scheduler or dials production services.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// forced are always set; defaults only fill variables left empty.
var (
	forced = map[string]string{
		"CMV_TEST_MODE":    "1",
		"CMV_DISABLE_CRON": "1",
	}
	defaults = map[string]string{
		"CMV_TIMEZONE": "UTC",
		"LOG_FORMAT":   "json",
	}
	once sync.Once
)

func ensureTestMode() {
	once.Do(func() {
		for name, value := range forced {
			_ = os.Setenv(name, value)
		}
		for name, value := range defaults {
			if os.Getenv(name) == "" {
				_ = os.Setenv(name, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain can be reused by packages that need test mode before flags parse.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
