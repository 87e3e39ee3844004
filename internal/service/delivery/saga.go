package delivery

import (
	"context"
	"fmt"
	"strings"
)

// sagaStep is one named write in a multi-entity sequence.
type sagaStep struct {
	name string
	run  func(ctx context.Context) error
}

// SagaError reports which step of a sequence failed and which steps had
// already been applied, so a partial cancellation can be found and repaired.
type SagaError struct {
	Saga      string
	Step      string
	Completed []string
	Err       error
}

func (e *SagaError) Error() string {
	done := "none"
	if len(e.Completed) > 0 {
		done = strings.Join(e.Completed, ", ")
	}
	return fmt.Sprintf("%s: step %q failed (completed: %s): %v", e.Saga, e.Step, done, e.Err)
}

func (e *SagaError) Unwrap() error { return e.Err }

// runSaga applies steps in order and stops at the first failure.
func runSaga(ctx context.Context, saga string, steps []sagaStep) error {
	completed := make([]string, 0, len(steps))
	for _, st := range steps {
		if err := st.run(ctx); err != nil {
			return &SagaError{Saga: saga, Step: st.name, Completed: completed, Err: err}
		}
		completed = append(completed, st.name)
	}
	return nil
}
