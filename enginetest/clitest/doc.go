// Package clitest provides compliance test suites for CLI backends.
//
// Test authors call [RunBackendTests] with a factory function that returns the
// [cli.Spawner] under test. The suite discovers the optional
// [cli.InputFormatter] capability via type assertion.
//
// Example usage in a backend test file:
//
//	package mybackend_test
//
//	import (
//	    "testing"
//	    "github.com/dmora/agentexec/engine/cli"
//	    "github.com/dmora/agentexec/engine/cli/mybackend"
//	    "github.com/dmora/agentexec/enginetest/clitest"
//	)
//
//	func TestCompliance(t *testing.T) {
//	    clitest.RunBackendTests(t, func() cli.Spawner {
//	        return mybackend.New()
//	    })
//	}
package clitest
