package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
)

// Wait is one input or prerequisite a protocol is still waiting for.
type Wait struct {
	// Input is the input name, empty for an explicit prerequisite.
	Input      string
	ProducerID int64
	Status     model.Status
	// Streaming reports whether the producer publishes its outputs
	// incrementally.
	Streaming bool
}

func (w Wait) String() string {
	if w.Input == "" {
		return fmt.Sprintf("prerequisite %d is %s", w.ProducerID, w.Status)
	}
	return fmt.Sprintf("input %s from protocol %d is %s", w.Input, w.ProducerID, w.Status)
}

// Producers reconciles protocols from their ledgers on demand, at most once
// per id. A readiness check uses one Producers so every producer is read once.
type Producers struct {
	pr   *Project
	seen map[int64]*model.Protocol
}

// Producers returns an empty producer cache.
func (pr *Project) Producers() *Producers {
	return &Producers{pr: pr, seen: make(map[int64]*model.Protocol)}
}

// Get returns protocol id reconciled with its ledger.
func (ps *Producers) Get(ctx context.Context, id int64) (*model.Protocol, error) {
	if p, ok := ps.seen[id]; ok {
		return p, nil
	}
	p, err := ps.pr.Update(ctx, id)
	if err != nil {
		return nil, err
	}
	ps.seen[id] = p
	return p, nil
}

// InputState is the readiness of one input of a protocol.
type InputState struct {
	Name     string
	Producer *model.Protocol
	Ready    bool
}

// Inputs resolves every input of p to its reconciled producer. An input is
// ready once the producer finished or the pointed output exists; an output
// set still open only counts for a protocol that streams itself.
func (pr *Project) Inputs(ctx context.Context, p *model.Protocol, ps *Producers) ([]InputState, error) {
	names := p.InputNames()
	states := make([]InputState, 0, len(names))
	for _, name := range names {
		ptr := p.Inputs[name]
		prodID, err := ptr.Producer(pr.creatorOf(ctx))
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		prod, err := ps.Get(ctx, prodID)
		if err != nil {
			return nil, fmt.Errorf("input %s: producer %d: %w", name, prodID, err)
		}
		ready, err := pr.inputReady(ctx, p, prod, ptr)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		states = append(states, InputState{Name: name, Producer: prod, Ready: ready})
	}
	return states, nil
}

// PendingInputs lists what p still waits for: inputs that are not ready and
// prerequisites that have not stopped. Prerequisites that do not exist are
// skipped.
func (pr *Project) PendingInputs(ctx context.Context, p *model.Protocol) ([]Wait, error) {
	ps := pr.Producers()
	states, err := pr.Inputs(ctx, p, ps)
	if err != nil {
		return nil, err
	}

	var waits []Wait
	for _, s := range states {
		if !s.Ready {
			waits = append(waits, Wait{Input: s.Name, ProducerID: s.Producer.ID, Status: s.Producer.Status, Streaming: s.Producer.Streaming})
		}
	}

	for _, id := range p.Prerequisites {
		prod, err := ps.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			pr.logger.Warn("prerequisite does not exist, not waiting for it", "protocol_id", p.ID, "prerequisite", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !prod.IsStopped() {
			waits = append(waits, Wait{ProducerID: id, Status: prod.Status, Streaming: prod.Streaming})
		}
	}
	return waits, nil
}

func (pr *Project) inputReady(ctx context.Context, p, prod *model.Protocol, ptr model.Pointer) (bool, error) {
	obj, err := pr.pointedObject(ctx, prod, ptr)
	if err != nil {
		return false, err
	}
	if obj == nil {
		return prod.IsFinished(), nil
	}
	if obj.IsStreamOpen() && !p.Streaming {
		return false, nil
	}
	return true, nil
}

// pointedObject returns the object ptr names, or nil when it points at a
// whole protocol or the output was not produced yet.
func (pr *Project) pointedObject(ctx context.Context, prod *model.Protocol, ptr model.Pointer) (*model.Object, error) {
	switch ptr.Kind {
	case model.PointerLegacy:
		o, err := pr.store.GetObject(ctx, ptr.ObjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return o, err
	case model.PointerExtended:
		objs, err := pr.store.ListObjects(ctx, prod.ID)
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			if o.Name == ptr.Path {
				return o, nil
			}
		}
	}
	return nil, nil
}

func (pr *Project) creatorOf(ctx context.Context) model.CreatorLookup {
	return func(objectID int64) (int64, bool) {
		o, err := pr.store.GetObject(ctx, objectID)
		if err != nil {
			return 0, false
		}
		return o.ProtocolID, true
	}
}
