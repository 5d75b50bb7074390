// Package guard is imported for its side effect by tests that run binaries'
// main functions: it switches them into test mode before main is reached.
package guard

import "os"

func init() {
	if _, set := os.LookupEnv("FLOWBIT_TEST_MODE"); !set {
		_ = os.Setenv("FLOWBIT_TEST_MODE", "1")
	}
}
