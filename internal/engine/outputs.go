package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
)

// outputs publishes the objects of one run into its ledger. Writes are
// retried because the project process reads the same ledger.
type outputs struct {
	ledger     store.Store
	protocolID int64
	attempts   int
	wait       time.Duration
	// added is called once for every newly stored object.
	added func(ctx context.Context, o *model.Object) error

	mu     sync.Mutex
	byName map[string]*model.Object
}

func newOutputs(ctx context.Context, ledger store.Store, p *model.Protocol, attempts int, wait time.Duration, added func(context.Context, *model.Object) error) (*outputs, error) {
	o := &outputs{
		ledger:     ledger,
		protocolID: p.ID,
		attempts:   attempts,
		wait:       wait,
		added:      added,
		byName:     make(map[string]*model.Object),
	}
	existing, err := ledger.ListObjects(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}
	for _, obj := range existing {
		o.byName[obj.Name] = obj
	}
	return o, nil
}

func (o *outputs) Register(ctx context.Context, name string, kind model.ObjectKind, open bool) (*model.Object, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := model.StreamClosed
	if open {
		state = model.StreamOpen
	}
	obj, exists := o.byName[name]
	if !exists {
		obj = &model.Object{ProtocolID: o.protocolID, Name: name}
	}
	obj.Kind = kind
	obj.StreamState = state
	if err := o.store(ctx, obj); err != nil {
		return nil, fmt.Errorf("register output %s: %w", name, err)
	}
	if !exists {
		o.byName[name] = obj
		if o.added != nil {
			if err := o.added(ctx, obj); err != nil {
				return nil, err
			}
		}
	}
	out := *obj
	return &out, nil
}

func (o *outputs) UpdateSet(ctx context.Context, name string, added int, close bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	obj, ok := o.byName[name]
	if !ok {
		return fmt.Errorf("update set %s: %w", name, store.ErrNotFound)
	}
	if obj.Kind != model.KindSet {
		return fmt.Errorf("update set %s: output is not a set", name)
	}
	obj.Size += added
	if close {
		obj.StreamState = model.StreamClosed
	}
	if err := o.store(ctx, obj); err != nil {
		return fmt.Errorf("update set %s: %w", name, err)
	}
	return nil
}

func (o *outputs) Get(name string) (*model.Object, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.byName[name]
	if !ok {
		return nil, false
	}
	out := *obj
	return &out, true
}

func (o *outputs) store(ctx context.Context, obj *model.Object) error {
	return store.Retry(ctx, o.attempts, o.wait, func() error {
		return o.ledger.SaveObject(ctx, obj)
	})
}

// closeAll closes every set still open so consumers stop waiting for it.
func (o *outputs) closeAll(ctx context.Context) error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.ledger.CloseOpenSets(ctx, o.protocolID); err != nil {
		return err
	}
	for _, obj := range o.byName {
		if obj.Kind == model.KindSet {
			obj.StreamState = model.StreamClosed
		}
	}
	return nil
}
