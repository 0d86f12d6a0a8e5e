// Package enginetest provides compliance test suites for agentexec
// implementations.
//
// [RunExecutorTests] checks the [agentexec.Executor] lifecycle contract.
// CLI backend compliance tests live in the clitest sub-package.
package enginetest
