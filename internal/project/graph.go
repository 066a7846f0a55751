package project

import (
	"context"

	"github.com/seantiz/foundry/internal/graph"
)

// RunsGraph returns the dependency graph of the project's protocols. With
// refresh set, active protocols are reconciled first and the graph rebuilt.
func (pr *Project) RunsGraph(ctx context.Context, refresh bool) (*graph.Graph, error) {
	if refresh {
		if err := pr.RefreshAll(ctx); err != nil {
			return nil, err
		}
		pr.invalidateGraph()
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.graph != nil {
		return pr.graph, nil
	}

	runs, err := pr.store.ListProtocols(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := pr.store.ListObjects(ctx, 0)
	if err != nil {
		return nil, err
	}
	pr.graph = graph.Build(runs, objects, graph.Options{Logger: pr.logger, Strict: pr.cfg.StrictCycles})
	return pr.graph, nil
}
