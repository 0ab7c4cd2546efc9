// Package run wires the queue store, workflow manager, and insertion monitor
// into a single supervised process guarded by an instance lock.
package run
