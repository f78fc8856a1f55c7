// Package inject is used to mock the particle filter so the code driving it can be tested in
// isolation.
package inject

import (
	"context"
	"errors"

	"github.com/viam-modules/particle-slam/slam"
)

// Stepper represents a fake instance of the particle filter.
type Stepper struct {
	StepFunc func(ctx context.Context, in slam.StepInput) (slam.StepResult, error)
}

// Step calls the injected StepFunc if defined else it will return an error.
func (st *Stepper) Step(ctx context.Context, in slam.StepInput) (slam.StepResult, error) {
	if st.StepFunc == nil {
		return slam.StepResult{}, errors.New("no StepFunc defined for injected Stepper")
	}
	return st.StepFunc(ctx, in)
}
