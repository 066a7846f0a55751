// Package process runs step jobs and runner processes on the local machine:
// building MPI-wrapped command lines, streaming job output, starting detached
// sessions and probing or killing recorded process ids.
package process
