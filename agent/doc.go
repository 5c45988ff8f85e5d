// Package agent implements the central task scheduler: per-agent retry
// policies, sub-agent fan-out with bounded concurrency, and the registry of
// enabled agent instances.
//
// The Manager is an explicitly constructed value passed by reference to all
// call sites; there is no process-wide singleton.
package agent
