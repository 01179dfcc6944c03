package operators

import (
	"math"
	"math/rand"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/spatial"
	"github.com/clusterforge/clusterforge/internal/species"
)

// CutAndSplice attempts cut-and-splice crossover between two parents
// sharing the same stoichiometry (spec.md §4.5): a random plane normal
// is drawn, each parent is split by the plane with that normal through
// its own centroid, atoms of a above its plane are combined with atoms
// of b below its plane, and the result is repaired
// back to the target stoichiometry by deleting excess-species atoms
// and re-placing missing ones. ok is false when repair exhausts its
// budget, signaling the caller to fall back to clone+mutate. Both
// halves keep their original coordinates: b's half is not shifted onto
// a's centroid, so parents with distant centroids are spliced as they
// lie.
func CutAndSplice(a, b *cluster.Cluster, repairTrialsPerAtom int, rng *rand.Rand) (child *cluster.Cluster, ok bool) {
	if identicalUpToTranslation(a, b) {
		// Two copies of the same geometry carry no distinct material to
		// recombine; the caller falls back to clone+mutate instead
		// (spec.md §4.5).
		return nil, false
	}

	normal := randomUnitVector(rng)

	aboveA, _ := a.SplitByPlane(normal, 0)
	_, belowB := b.SplitByPlane(normal, 0)

	var combined []cluster.Atom
	for _, i := range aboveA {
		combined = append(combined, a.Atoms[i])
	}
	for _, i := range belowB {
		combined = append(combined, b.Atoms[i])
	}

	repaired, ok := repair(a.Table, a.Stoich, combined, a.BoxSize(), repairTrialsPerAtom, rng)
	if !ok {
		return nil, false
	}

	c, err := cluster.New(a.Table, a.Stoich, repaired, a.BoxSize())
	if err != nil {
		return nil, false
	}
	return c, true
}

// repair deletes atoms of over-represented species and re-places
// atoms of under-represented species, inside the bounding box, until
// the multiset matches stoich exactly and the overlap invariant
// holds, or the trial budget is exhausted.
func repair(table *species.Table, stoich species.Stoichiometry, atoms []cluster.Atom, box float64, trialsPerAtom int, rng *rand.Rand) ([]cluster.Atom, bool) {
	counts := make(map[species.ID]int)
	for _, a := range atoms {
		counts[a.Species]++
	}

	// Delete excess-species atoms first, picked at random.
	for id, want := range stoich {
		for counts[id] > want {
			idx := randomIndexOfSpecies(atoms, id, rng)
			if idx < 0 {
				break
			}
			atoms = append(atoms[:idx], atoms[idx+1:]...)
			counts[id]--
		}
	}
	for id := range counts {
		if _, wanted := stoich[id]; !wanted && counts[id] > 0 {
			atoms = removeAllOfSpecies(atoms, id)
			counts[id] = 0
		}
	}

	// Re-place missing-species atoms via rejection sampling against
	// the atoms already present.
	g, err := spatial.New(box, table.MaxSigma())
	if err != nil {
		return nil, false
	}
	for i, a := range atoms {
		if err := g.Insert(i, a.Pos); err != nil {
			return nil, false
		}
	}

	half := box / 2
	for id, want := range stoich {
		for counts[id] < want {
			placed := false
			for trial := 0; trial < trialsPerAtom; trial++ {
				pos := spatial.Vec3{
					X: (rng.Float64()*2 - 1) * half,
					Y: (rng.Float64()*2 - 1) * half,
					Z: (rng.Float64()*2 - 1) * half,
				}
				overlaps, err := g.Overlaps(pos, func(neighborIdx int) float64 {
					return table.Sigma(id, atoms[neighborIdx].Species)
				})
				if err != nil || overlaps {
					continue
				}
				newAtom := cluster.Atom{Species: id, Pos: pos}
				if err := g.Insert(len(atoms), pos); err != nil {
					continue
				}
				atoms = append(atoms, newAtom)
				counts[id]++
				placed = true
				break
			}
			if !placed {
				return nil, false
			}
		}
	}

	return atoms, true
}

// identicalUpToTranslation reports whether a and b have the same atom
// count, species order, and centroid-relative geometry within a small
// tolerance — i.e. one is a plain translation of the other.
func identicalUpToTranslation(a, b *cluster.Cluster) bool {
	if len(a.Atoms) != len(b.Atoms) {
		return false
	}
	const epsilon = 1e-9
	centroidA, centroidB := a.Centroid(), b.Centroid()
	for i := range a.Atoms {
		if a.Atoms[i].Species != b.Atoms[i].Species {
			return false
		}
		da := a.Atoms[i].Pos.Sub(centroidA)
		db := b.Atoms[i].Pos.Sub(centroidB)
		if da.Sub(db).Norm() > epsilon {
			return false
		}
	}
	return true
}

func randomIndexOfSpecies(atoms []cluster.Atom, id species.ID, rng *rand.Rand) int {
	var candidates []int
	for i, a := range atoms {
		if a.Species == id {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return -1
	}
	return candidates[rng.Intn(len(candidates))]
}

func removeAllOfSpecies(atoms []cluster.Atom, id species.ID) []cluster.Atom {
	out := atoms[:0]
	for _, a := range atoms {
		if a.Species != id {
			out = append(out, a)
		}
	}
	return out
}

func randomUnitVector(rng *rand.Rand) spatial.Vec3 {
	// Uniform point on the unit sphere via Marsaglia's method.
	for {
		x := rng.Float64()*2 - 1
		y := rng.Float64()*2 - 1
		s := x*x + y*y
		if s >= 1 || s == 0 {
			continue
		}
		factor := 2 * math.Sqrt(1-s)
		return spatial.Vec3{X: x * factor, Y: y * factor, Z: 1 - 2*s}
	}
}
