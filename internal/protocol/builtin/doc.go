// Package builtin provides the protocol classes shipped with foundry: command
// runs a fixed list of programs and watch processes files as they appear in
// a directory.
package builtin

import "github.com/seantiz/foundry/internal/protocol"

// Register adds every builtin definition to r.
func Register(r *protocol.Registry) {
	r.Register(Command{})
	r.Register(Watch{})
}
