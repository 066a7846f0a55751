// Package executor runs the steps of one protocol. Three variants share the
// Executor interface: serial runs one step at a time, thread runs up to N
// steps concurrently with GPU slot booking, and queue does the same but
// submits every job to a batch queue engine and polls it until done.
package executor
