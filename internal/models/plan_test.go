package models

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func stepsNumbered(numbers ...int) []ResolutionStep {
	steps := make([]ResolutionStep, 0, len(numbers))
	for _, n := range numbers {
		steps = append(steps, ResolutionStep{Number: n, Procedure: "restart the pool"})
	}
	return steps
}

func TestResolutionPlanValidate(t *testing.T) {
	tests := []struct {
		name string
		plan ResolutionPlan
		ok   bool
	}{
		{"contiguous", ResolutionPlan{Steps: stepsNumbered(1, 2, 3), Confidence: 80}, true},
		{"single step zero confidence", ResolutionPlan{Steps: stepsNumbered(1), Confidence: 0}, true},
		{"full confidence", ResolutionPlan{Steps: stepsNumbered(1, 2), Confidence: 100}, true},
		{"empty", ResolutionPlan{Confidence: 50}, false},
		{"starts at zero", ResolutionPlan{Steps: stepsNumbered(0, 1, 2), Confidence: 50}, false},
		{"gap", ResolutionPlan{Steps: stepsNumbered(1, 3), Confidence: 50}, false},
		{"out of order", ResolutionPlan{Steps: stepsNumbered(2, 1), Confidence: 50}, false},
		{"duplicate", ResolutionPlan{Steps: stepsNumbered(1, 1), Confidence: 50}, false},
		{"confidence too high", ResolutionPlan{Steps: stepsNumbered(1), Confidence: 101}, false},
		{"negative confidence", ResolutionPlan{Steps: stepsNumbered(1), Confidence: -1}, false},
		{"blank procedure", ResolutionPlan{Steps: []ResolutionStep{{Number: 1, Procedure: "  "}}, Confidence: 10}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.plan.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidPlan))
		})
	}
}

func TestResolutionPlanStepNumberingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("plans numbered 1..N validate", prop.ForAll(
		func(n int, confidence int) bool {
			numbers := make([]int, n)
			for i := range numbers {
				numbers[i] = i + 1
			}
			return ResolutionPlan{Steps: stepsNumbered(numbers...), Confidence: confidence}.Validate() == nil
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 100),
	))

	properties.Property("any renumbered position is rejected", prop.ForAll(
		func(n int, pos int, shift int) bool {
			numbers := make([]int, n)
			for i := range numbers {
				numbers[i] = i + 1
			}
			numbers[pos%n] += shift
			return ResolutionPlan{Steps: stepsNumbered(numbers...), Confidence: 50}.Validate() != nil
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 1000),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
