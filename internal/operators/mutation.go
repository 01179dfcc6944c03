package operators

import (
	"math"
	"math/rand"

	"github.com/mroth/weightedrand"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/species"
)

// Kind identifies one of the four mutation families of spec.md §4.5.
type Kind int

const (
	Rotate Kind = iota
	Rattle
	Twist
	Breathe
)

func (k Kind) String() string {
	switch k {
	case Rotate:
		return "rotate"
	case Rattle:
		return "rattle"
	case Twist:
		return "twist"
	case Breathe:
		return "breathe"
	default:
		return "unknown"
	}
}

// Weights is the current mutation-rate vector: relative likelihood of
// each mutation kind being selected. The GA and BH solvers use
// DefaultWeights and do not change them at runtime (the GA adapts its
// mutation probability instead, spec.md §4.6). A non-positive weight
// excludes its kind; with every weight non-positive (including the
// zero value) pickKind draws uniformly.
type Weights struct {
	Rotate, Rattle, Twist, Breathe float64
}

// DefaultWeights gives every mutation kind equal likelihood, the
// uninformative starting point spec.md §9 calls for when the weight
// vector is otherwise unspecified.
func DefaultWeights() Weights {
	return Weights{Rotate: 1, Rattle: 1, Twist: 1, Breathe: 1}
}

// Config holds the amplitude parameters for rattle/breathe (spec.md
// §4.5). The rattle amplitude scales with the cluster's mean species
// radius; the breathe range is a plain bound on the scale factor.
type Config struct {
	// RattleAlpha scales the per-atom Gaussian displacement stddev:
	// sigma_rattle = RattleAlpha * mean species radius.
	RattleAlpha float64
	// BreatheRange bounds the breathe scale factor to
	// [1-BreatheRange, 1+BreatheRange].
	BreatheRange float64
}

// DefaultConfig returns the documented default amplitudes (spec.md
// §4.5: alpha approx 0.1 initial for rattle).
func DefaultConfig() Config {
	return Config{RattleAlpha: 0.1, BreatheRange: 0.15}
}

// Mutate draws one mutation kind weighted by w and applies it to a
// clone of orig. If the result violates the overlap invariant, the
// mutation is discarded and orig is returned unchanged with applied
// false — the solver is expected to count this as a wasted attempt,
// per spec.md §4.5.
func Mutate(orig *cluster.Cluster, w Weights, table *species.Table, cfg Config, rng *rand.Rand) (result *cluster.Cluster, kind Kind, applied bool) {
	kind = pickKind(w, rng)
	clone := orig.Clone()

	var err error
	switch kind {
	case Rotate:
		err = clone.Rotate(randomUnitVector(rng), rng.Float64()*2*math.Pi)
	case Rattle:
		sigma := cfg.RattleAlpha * table.MeanRadius(orig.Stoich)
		err = clone.Rattle(sigma, rng)
	case Twist:
		err = clone.Twist(randomUnitVector(rng), rng.Float64()*2*math.Pi)
	case Breathe:
		scale := 1 + (rng.Float64()*2-1)*cfg.BreatheRange
		err = clone.Breathe(scale)
	}

	if err != nil {
		return orig, kind, false
	}
	return clone, kind, true
}

// pickKind draws a mutation Kind weighted by w, scaling the float
// weights to the uint weights weightedrand.Chooser expects (floats
// are multiplied by 1000 and floored, with a minimum weight of 1 so a
// merely-small weight is never silently excluded).
func pickKind(w Weights, rng *rand.Rand) Kind {
	choices := []weightedrand.Choice{
		weightedrand.NewChoice(Rotate, toWeight(w.Rotate)),
		weightedrand.NewChoice(Rattle, toWeight(w.Rattle)),
		weightedrand.NewChoice(Twist, toWeight(w.Twist)),
		weightedrand.NewChoice(Breathe, toWeight(w.Breathe)),
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		// All weights non-positive: fall back to a uniform draw over
		// the four kinds rather than panicking on bad config.
		return Kind(rng.Intn(4))
	}
	return chooser.PickSource(rng).(Kind)
}

func toWeight(f float64) uint {
	if f <= 0 {
		return 0
	}
	scaled := uint(f * 1000)
	if scaled == 0 {
		return 1
	}
	return scaled
}
