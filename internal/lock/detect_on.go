//go:build deadlock_test

package lock

const detectDeadlocks = true
