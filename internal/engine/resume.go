package engine

import "github.com/seantiz/foundry/internal/model"

// Resume carries the state of previous ledger steps over to the freshly
// inserted steps and returns how many were kept. A step is kept only when it
// finished before, its arguments are unchanged and its result files still
// exist. The first step that fails any of these ends the kept prefix and
// everything after it runs again.
func Resume(steps, previous []*model.Step) int {
	kept := 0
	for i, s := range steps {
		if i >= len(previous) {
			break
		}
		prev := previous[i]
		if !prev.IsFinished() || !prev.SameDefinition(s) || !s.PostconditionsHold() {
			break
		}
		s.Lifecycle = prev.Lifecycle
		kept++
	}
	return kept
}
