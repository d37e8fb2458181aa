// Package reward turns activity signals into credit amounts.
//
// Formulas are arithmetic expressions over a single variable, written either
// as %length% or length, for example "%length% * 3" or "(length / 10) + 1".
// Only arithmetic is available to the expression; it cannot reach anything
// outside the value it is given.
package reward

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	placeholder  = "%length%"
	variableName = "length"
)

var errNotFinite = errors.New("formula result is not a finite number")

// Policy evaluates a reward formula parsed once at construction.
type Policy struct {
	formula string
	eval    gval.Evaluable
	err     error
	logger  *zap.Logger
}

// Parse compiles formula without building a Policy. Use it to validate
// configuration.
func Parse(formula string) (gval.Evaluable, error) {
	expr := strings.TrimSpace(strings.ReplaceAll(formula, placeholder, variableName))
	if expr == "" {
		return nil, errors.New("empty reward formula")
	}
	eval, err := gval.Arithmetic().NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("parse reward formula %q: %w", formula, err)
	}
	return eval, nil
}

// NewPolicy never fails: a formula that does not parse produces a policy
// whose every reward is 0.
func NewPolicy(formula string, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{formula: formula, logger: logger}
	p.eval, p.err = Parse(formula)
	if p.err != nil {
		logger.Warn("reward formula rejected, activity rewards disabled",
			zap.String("formula", formula),
			zap.Error(p.err),
		)
	}
	return p
}

func (p *Policy) Formula() string { return p.formula }

// Err reports why the formula was rejected, or nil.
func (p *Policy) Err() error { return p.err }

// RewardFor returns the credit earned for an activity of the given length.
// Any evaluation problem, a negative length or a negative result yields 0.
func (p *Policy) RewardFor(activityLength int) int64 {
	if p.err != nil || activityLength < 0 {
		return 0
	}
	amount, err := p.evaluate(activityLength)
	if err != nil {
		p.logger.Debug("reward formula evaluation failed",
			zap.String("formula", p.formula),
			zap.Int("length", activityLength),
			zap.Error(err),
		)
		return 0
	}
	if amount < 0 {
		return 0
	}
	return amount
}

func (p *Policy) evaluate(activityLength int) (int64, error) {
	v, err := p.eval.EvalFloat64(context.Background(), map[string]interface{}{
		variableName: activityLength,
	})
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) >= math.MaxInt64 {
		return 0, errNotFinite
	}
	// fractional rewards are truncated toward zero
	return decimal.NewFromFloat(v).Truncate(0).IntPart(), nil
}
