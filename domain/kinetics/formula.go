package kinetics

import (
	"fmt"
	"math"
	"sort"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
)

// FormKind tags the functional family of an uptake curve
type FormKind string

const (
	// FormConstant is the flat model D(t) = d
	FormConstant FormKind = "constant"
	// FormSingleExponential is the stretched-exponential uptake curve
	// D(t) = a * (1 - exp(-(b*t)^p)) + d
	FormSingleExponential FormKind = "single_exponential"
	// FormDoubleExponential is the two-phase uptake curve
	// D(t) = a1*(1 - exp(-b1*t)) + a2*(1 - exp(-b2*t)) + d
	FormDoubleExponential FormKind = "double_exponential"
)

// ParamName identifies one parameter of a form
type ParamName string

const (
	ParamA  ParamName = "a"  // amplitude
	ParamB  ParamName = "b"  // rate
	ParamP  ParamName = "p"  // stretch exponent
	ParamD  ParamName = "d"  // offset
	ParamA1 ParamName = "a1" // fast-phase amplitude
	ParamB1 ParamName = "b1" // fast-phase rate
	ParamA2 ParamName = "a2" // slow-phase amplitude
	ParamB2 ParamName = "b2" // slow-phase rate
)

// FormParams returns the canonical parameter order of a form
func FormParams(kind FormKind) []ParamName {
	switch kind {
	case FormConstant:
		return []ParamName{ParamD}
	case FormSingleExponential:
		return []ParamName{ParamA, ParamB, ParamP, ParamD}
	case FormDoubleExponential:
		return []ParamName{ParamA1, ParamB1, ParamA2, ParamB2, ParamD}
	default:
		return nil
	}
}

// KineticFormula is a tagged description of an uptake model: a functional
// family plus, for every parameter of that family, whether it is estimated
// (free) or held at a value (fixed), and which free parameters take a
// separate value per condition. A pooled formula (empty PerCondition) is the
// usual null model; expanding parameters per condition gives the nested
// alternative.
type KineticFormula struct {
	Kind         FormKind              `json:"kind"`
	Free         []ParamName           `json:"free"`
	Fixed        map[ParamName]float64 `json:"fixed,omitempty"`
	PerCondition []ParamName           `json:"per_condition,omitempty"`
}

// NewKineticFormula validates and builds a formula. Every parameter of the
// form must be either free or fixed, never both; per-condition parameters
// must be free.
func NewKineticFormula(kind FormKind, free []ParamName, fixed map[ParamName]float64, perCondition []ParamName) (KineticFormula, error) {
	all := FormParams(kind)
	if all == nil {
		return KineticFormula{}, fmt.Errorf("%w: unknown form %q", core.ErrInvalidFormula, kind)
	}

	known := make(map[ParamName]bool, len(all))
	for _, p := range all {
		known[p] = true
	}

	freeSet := make(map[ParamName]bool, len(free))
	for _, p := range free {
		if !known[p] {
			return KineticFormula{}, fmt.Errorf("%w: %q in form %q", core.ErrUnknownParameter, p, kind)
		}
		if freeSet[p] {
			return KineticFormula{}, fmt.Errorf("%w: parameter %q listed free twice", core.ErrInvalidFormula, p)
		}
		freeSet[p] = true
	}
	for p, v := range fixed {
		if !known[p] {
			return KineticFormula{}, fmt.Errorf("%w: %q in form %q", core.ErrUnknownParameter, p, kind)
		}
		if freeSet[p] {
			return KineticFormula{}, fmt.Errorf("%w: parameter %q both free and fixed", core.ErrInvalidFormula, p)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return KineticFormula{}, fmt.Errorf("%w: fixed value for %q is not finite", core.ErrInvalidFormula, p)
		}
	}
	for _, p := range all {
		if _, isFixed := fixed[p]; !freeSet[p] && !isFixed {
			return KineticFormula{}, fmt.Errorf("%w: parameter %q neither free nor fixed", core.ErrInvalidFormula, p)
		}
	}
	for _, p := range perCondition {
		if !freeSet[p] {
			return KineticFormula{}, fmt.Errorf("%w: per-condition parameter %q is not free", core.ErrInvalidFormula, p)
		}
	}

	// Normalize ordering to the canonical form order so two formulas built
	// from differently-ordered slices compare equal.
	orderedFree := make([]ParamName, 0, len(free))
	orderedPer := make([]ParamName, 0, len(perCondition))
	perSet := make(map[ParamName]bool, len(perCondition))
	for _, p := range perCondition {
		perSet[p] = true
	}
	for _, p := range all {
		if freeSet[p] {
			orderedFree = append(orderedFree, p)
		}
		if perSet[p] {
			orderedPer = append(orderedPer, p)
		}
	}

	var fixedCopy map[ParamName]float64
	if len(fixed) > 0 {
		fixedCopy = make(map[ParamName]float64, len(fixed))
		for k, v := range fixed {
			fixedCopy[k] = v
		}
	}

	return KineticFormula{
		Kind:         kind,
		Free:         orderedFree,
		Fixed:        fixedCopy,
		PerCondition: orderedPer,
	}, nil
}

// MustKineticFormula builds a formula or panics. Test and wiring helper.
func MustKineticFormula(kind FormKind, free []ParamName, fixed map[ParamName]float64, perCondition []ParamName) KineticFormula {
	f, err := NewKineticFormula(kind, free, fixed, perCondition)
	if err != nil {
		panic(err)
	}
	return f
}

// PooledUptake is the standard null model: one exponential uptake curve
// shared by every condition, with the stretch exponent fixed at 1.
func PooledUptake() KineticFormula {
	return MustKineticFormula(FormSingleExponential,
		[]ParamName{ParamA, ParamB, ParamD},
		map[ParamName]float64{ParamP: 1},
		nil)
}

// ConditionUptake is the standard alternative: the pooled model with every
// free parameter expanded per condition.
func ConditionUptake() KineticFormula {
	return MustKineticFormula(FormSingleExponential,
		[]ParamName{ParamA, ParamB, ParamD},
		map[ParamName]float64{ParamP: 1},
		[]ParamName{ParamA, ParamB, ParamD})
}

// StretchedUptake frees the stretch exponent too
func StretchedUptake(perCondition bool) KineticFormula {
	var per []ParamName
	if perCondition {
		per = []ParamName{ParamA, ParamB, ParamP, ParamD}
	}
	return MustKineticFormula(FormSingleExponential,
		[]ParamName{ParamA, ParamB, ParamP, ParamD},
		nil, per)
}

// IsFree reports whether a parameter is estimated
func (f KineticFormula) IsFree(p ParamName) bool {
	for _, q := range f.Free {
		if q == p {
			return true
		}
	}
	return false
}

// IsPerCondition reports whether a free parameter varies by condition
func (f KineticFormula) IsPerCondition(p ParamName) bool {
	for _, q := range f.PerCondition {
		if q == p {
			return true
		}
	}
	return false
}

// FixedValue returns the held value of a fixed parameter
func (f KineticFormula) FixedValue(p ParamName) (float64, bool) {
	v, ok := f.Fixed[p]
	return v, ok
}

// FreeDim returns the number of estimated values when fitting over
// numConditions conditions: pooled parameters count once, per-condition
// parameters once per condition.
func (f KineticFormula) FreeDim(numConditions int) int {
	if numConditions < 1 {
		numConditions = 1
	}
	return len(f.Free) - len(f.PerCondition) + len(f.PerCondition)*numConditions
}

// ParamSlot addresses one estimated value in the flattened layout. Pooled
// parameters carry an empty condition.
type ParamSlot struct {
	Name      ParamName     `json:"name"`
	Condition hdx.Condition `json:"condition,omitempty"`
}

// String returns a compact slot label like "b" or "b[bound]"
func (s ParamSlot) String() string {
	if s.Condition == "" {
		return string(s.Name)
	}
	return fmt.Sprintf("%s[%s]", s.Name, s.Condition)
}

// Layout returns the deterministic flattened parameter layout for the given
// conditions: canonical parameter order, per-condition slots expanded over
// the sorted condition list.
func (f KineticFormula) Layout(conditions []hdx.Condition) []ParamSlot {
	sorted := make([]hdx.Condition, len(conditions))
	copy(sorted, conditions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	slots := make([]ParamSlot, 0, f.FreeDim(len(sorted)))
	for _, p := range f.Free {
		if f.IsPerCondition(p) {
			for _, c := range sorted {
				slots = append(slots, ParamSlot{Name: p, Condition: c})
			}
		} else {
			slots = append(slots, ParamSlot{Name: p})
		}
	}
	return slots
}

// NestedIn verifies that f (the null) is nested in alt: same family, every
// parameter free in f free in alt, every per-condition expansion of f also
// expanded in alt, and anything alt holds fixed held at the same value in f.
func (f KineticFormula) NestedIn(alt KineticFormula) error {
	if f.Kind != alt.Kind {
		return core.NewNestingError(fmt.Sprintf("form %q vs %q", f.Kind, alt.Kind))
	}
	for _, p := range f.Free {
		if !alt.IsFree(p) {
			return core.NewNestingError(fmt.Sprintf("parameter %q free in null but not in alternative", p))
		}
	}
	for _, p := range f.PerCondition {
		if !alt.IsPerCondition(p) {
			return core.NewNestingError(fmt.Sprintf("parameter %q per-condition in null but pooled in alternative", p))
		}
	}
	for p, av := range alt.Fixed {
		nv, ok := f.Fixed[p]
		if !ok {
			return core.NewNestingError(fmt.Sprintf("parameter %q fixed in alternative but free in null", p))
		}
		if nv != av {
			return core.NewNestingError(fmt.Sprintf("parameter %q fixed at %g in null, %g in alternative", p, nv, av))
		}
	}
	return nil
}

// Value evaluates the curve at time t with a full parameter assignment
// (fixed parameters may be omitted; they are taken from the formula).
func (f KineticFormula) Value(params map[ParamName]float64, t float64) float64 {
	get := func(p ParamName) float64 {
		if v, ok := params[p]; ok {
			return v
		}
		v, _ := f.Fixed[p]
		return v
	}
	switch f.Kind {
	case FormConstant:
		return get(ParamD)
	case FormSingleExponential:
		a, b, p, d := get(ParamA), get(ParamB), get(ParamP), get(ParamD)
		return a*(1-math.Exp(-uptakeExponent(b, p, t))) + d
	case FormDoubleExponential:
		a1, b1 := get(ParamA1), get(ParamB1)
		a2, b2 := get(ParamA2), get(ParamB2)
		d := get(ParamD)
		return a1*(1-math.Exp(-b1*t)) + a2*(1-math.Exp(-b2*t)) + d
	default:
		return math.NaN()
	}
}

// Partial evaluates the analytic partial derivative of the curve with
// respect to one parameter at time t.
func (f KineticFormula) Partial(params map[ParamName]float64, name ParamName, t float64) float64 {
	get := func(p ParamName) float64 {
		if v, ok := params[p]; ok {
			return v
		}
		v, _ := f.Fixed[p]
		return v
	}
	switch f.Kind {
	case FormConstant:
		if name == ParamD {
			return 1
		}
		return 0
	case FormSingleExponential:
		a, b, p := get(ParamA), get(ParamB), get(ParamP)
		u := uptakeExponent(b, p, t)
		eu := math.Exp(-u)
		switch name {
		case ParamA:
			return 1 - eu
		case ParamD:
			return 1
		case ParamB:
			// du/db = p * b^(p-1) * t^p; zero at t=0 for any admissible b, p
			if t == 0 {
				return 0
			}
			if b == 0 {
				if p == 1 {
					return a * eu * t
				}
				return 0
			}
			return a * eu * p * u / b
		case ParamP:
			// du/dp = u * ln(b*t); zero where b*t = 0
			x := b * t
			if x <= 0 {
				return 0
			}
			return a * eu * u * math.Log(x)
		}
		return 0
	case FormDoubleExponential:
		a1, b1 := get(ParamA1), get(ParamB1)
		a2, b2 := get(ParamA2), get(ParamB2)
		switch name {
		case ParamA1:
			return 1 - math.Exp(-b1*t)
		case ParamB1:
			return a1 * t * math.Exp(-b1*t)
		case ParamA2:
			return 1 - math.Exp(-b2*t)
		case ParamB2:
			return a2 * t * math.Exp(-b2*t)
		case ParamD:
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}

// uptakeExponent computes (b*t)^p, defined as 0 whenever b*t <= 0 so that
// the t=0 point evaluates to the offset exactly.
func uptakeExponent(b, p, t float64) float64 {
	x := b * t
	if x <= 0 {
		return 0
	}
	if p == 1 {
		return x
	}
	return math.Pow(x, p)
}
