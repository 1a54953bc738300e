// Package guard puts the process into test mode when imported by a test binary.
// Commands return before touching Postgres or Redis, and LoadConfig ignores any
// developer .env file.
package guard

import "os"

const (
	testModeEnv = "ODYSSEY_TEST_MODE"
	envFileEnv  = "ENV_FILE"
)

func init() {
	if os.Getenv(testModeEnv) == "" {
		_ = os.Setenv(testModeEnv, "1")
	}
	if os.Getenv(envFileEnv) == "" {
		_ = os.Setenv(envFileEnv, os.DevNull)
	}
}
