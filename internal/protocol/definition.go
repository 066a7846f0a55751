// Package protocol defines how a protocol class inserts its steps, the
// registry that resolves classes by name and the validation applied before a
// run is attempted.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/foundry/internal/model"
)

// ErrUnknownDefinition is returned when no definition is registered for a class.
var ErrUnknownDefinition = errors.New("unknown protocol definition")

// Definition is one protocol class. Implementations must be safe for use by
// several runs at once and keep per-run state in the steps they insert.
type Definition interface {
	// Name is the class name stored on protocols.
	Name() string

	// Validate returns the problems that prevent p from running. An empty
	// result means p is valid.
	Validate(p *model.Protocol) []string

	// InsertSteps adds the steps of p to b.
	InsertSteps(ctx context.Context, b *Builder, p *model.Protocol) error
}

// StreamingDefinition is a Definition whose outputs can be consumed while
// the protocol still runs.
type StreamingDefinition interface {
	Definition

	// CheckNewSteps is called periodically while p executes. It may insert
	// new steps or release waiting ones and reports whether b changed.
	CheckNewSteps(ctx context.Context, b *Builder, p *model.Protocol) (bool, error)
}

// IsStreaming reports whether d supports streaming.
func IsStreaming(d Definition) bool {
	_, ok := d.(StreamingDefinition)
	return ok
}

// ValidationError lists the problems found before running a protocol.
type ValidationError struct {
	ProtocolID int64
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol %d failed validation: %s", e.ProtocolID, strings.Join(e.Problems, "; "))
}

// Validate runs the checks shared by every class and then d's own checks.
// It returns a *ValidationError when anything fails.
func Validate(d Definition, p *model.Protocol) error {
	var problems []string
	if IsStreaming(d) && p.Threads < 2 {
		problems = append(problems, "streaming protocols need at least 2 threads: one generates steps and one processes them")
	}
	if p.MPI < 0 || p.Threads < 0 {
		problems = append(problems, "threads and mpi must not be negative")
	}
	seen := make(map[int]bool, len(p.GPUs))
	for _, g := range p.GPUs {
		if g < 0 {
			problems = append(problems, fmt.Sprintf("invalid gpu id %d", g))
		}
		if seen[g] {
			problems = append(problems, fmt.Sprintf("gpu %d listed twice", g))
		}
		seen[g] = true
	}
	problems = append(problems, d.Validate(p)...)
	if len(problems) > 0 {
		return &ValidationError{ProtocolID: p.ID, Problems: problems}
	}
	return nil
}
