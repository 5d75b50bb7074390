package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// TestModeEnv, when truthy, makes binaries return before touching the
// database or Redis.
const TestModeEnv = "FLOWBIT_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

func readTestMode() {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	testMode.Store(err == nil && on)
}

// InTestMode reports whether FLOWBIT_TEST_MODE was set when first asked.
func InTestMode() bool {
	testModeOnce.Do(readTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads the environment, for tests that change it.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	readTestMode()
}
