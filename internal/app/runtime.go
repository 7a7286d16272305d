package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	testModeEnv    = "CMV_TEST_MODE"
	disableCronEnv = "CMV_DISABLE_CRON"
)

// Runtime holds process switches read from the environment, outside Config
// so binaries can consult them before configuration loads.
type Runtime struct {
	// TestMode makes binaries exit before touching Postgres or Redis.
	TestMode bool
	// CronEnabled is false on worker replicas that only consume queues.
	CronEnabled bool
}

var (
	runtimeFlags atomic.Pointer[Runtime]
	runtimeOnce  sync.Once
)

func detectRuntime() {
	runtimeFlags.Store(&Runtime{
		TestMode:    envFlag(testModeEnv),
		CronEnabled: !envFlag(disableCronEnv),
	})
}

func envFlag(name string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(name)))
	return err == nil && v
}

// CurrentRuntime returns the cached switches.
func CurrentRuntime() Runtime {
	runtimeOnce.Do(detectRuntime)
	return *runtimeFlags.Load()
}

// InTestMode reports whether binaries should skip startup.
func InTestMode() bool {
	return CurrentRuntime().TestMode
}

// RefreshRuntime re-reads the switches after environment changes.
func RefreshRuntime() {
	runtimeOnce.Do(func() {})
	detectRuntime()
}
