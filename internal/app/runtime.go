package app

import (
	"os"
	"strconv"
)

const testModeEnv = "PAYROLL_TEST_MODE"

// InTestMode reports whether the binaries should skip runtime side effects.
// It is read on every call so tests may toggle it with t.Setenv.
func InTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	return on
}
