// Package engine runs one protocol inside its runner process: it inserts the
// protocol's steps, applies the resume rule against the run ledger, drives
// an executor and keeps the ledger current so the project can reconcile.
package engine
