// Package cluster implements the core data model of spec.md §3: an
// immutable-shape, mutable-position atom container validated against
// a fixed stoichiometry and a species-pair minimum-separation
// invariant. Every operator here (New, rotate, translate, rattle,
// twist, breathe, split) either returns a valid Cluster or an error;
// none leave a Cluster in a half-transformed, invalid state.
package cluster

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/clusterforge/clusterforge/internal/clustererr"
	"github.com/clusterforge/clusterforge/internal/spatial"
	"github.com/clusterforge/clusterforge/internal/species"
)

// Atom is a (species identifier, position) pair. Position is mutable
// only during operator/evaluator transforms; species identity never
// changes after construction.
type Atom struct {
	Species species.ID
	Pos     spatial.Vec3
}

// Energy holds a cluster's scalar energy field. Evaluated is false
// until an evaluator sets it; operators must reset Evaluated to false
// whenever geometry changes.
type Energy struct {
	Value     float64
	Evaluated bool
}

// Cluster is an ordered sequence of atoms plus a scalar energy field.
// Atom count and per-species counts are fixed at construction time and
// never change afterward — only positions and the Energy field do.
type Cluster struct {
	Table  *species.Table
	Stoich species.Stoichiometry
	Atoms  []Atom
	Energy Energy

	box float64 // simulation box side used for validation/regridding
}

// BoxSize returns the simulation box side the cluster was built and
// validated against.
func (c *Cluster) BoxSize() float64 { return c.box }

// New constructs a Cluster from explicit atom positions, validating
// stoichiometry and the overlap invariant. This is the single
// validation choke point every other constructor in this package
// funnels through.
func New(table *species.Table, stoich species.Stoichiometry, atoms []Atom, box float64) (*Cluster, error) {
	if err := checkStoichiometry(stoich, atoms); err != nil {
		return nil, err
	}
	c := &Cluster{Table: table, Stoich: stoich, Atoms: atoms, box: box}
	if err := c.checkOverlaps(); err != nil {
		return nil, err
	}
	return c, nil
}

func checkStoichiometry(stoich species.Stoichiometry, atoms []Atom) error {
	if len(atoms) != stoich.Total() {
		return fmt.Errorf("%w: expected %d atoms, got %d", clustererr.ErrStoichiometryMismatch, stoich.Total(), len(atoms))
	}
	counts := make(map[species.ID]int, len(stoich))
	for _, a := range atoms {
		counts[a.Species]++
	}
	for id, want := range stoich {
		if counts[id] != want {
			return fmt.Errorf("%w: species %d expected %d atoms, got %d", clustererr.ErrStoichiometryMismatch, id, want, counts[id])
		}
	}
	return nil
}

// checkOverlaps rebuilds a fresh grid from the current atom positions
// and rejects the cluster if any pair violates sigma. Clusters that
// fail this check are never returned to a caller — the violation is a
// constructor error, not tolerated inside the population.
func (c *Cluster) checkOverlaps() error {
	g, err := spatial.New(c.box, c.Table.MaxSigma())
	if err != nil {
		return err
	}
	for i, a := range c.Atoms {
		overlaps, err := g.Overlaps(a.Pos, func(neighborIdx int) float64 {
			return c.Table.Sigma(a.Species, c.Atoms[neighborIdx].Species)
		})
		if err != nil {
			return fmt.Errorf("%w: %v", clustererr.ErrOverlap, err)
		}
		if overlaps {
			return fmt.Errorf("%w: atom %d overlaps an earlier atom", clustererr.ErrOverlap, i)
		}
		if err := g.Insert(i, a.Pos); err != nil {
			return fmt.Errorf("%w: %v", clustererr.ErrOverlap, err)
		}
	}
	return nil
}

// NewRandom places atoms for the given stoichiometry inside a cube of
// side box using rejection sampling: each atom's position is drawn
// uniformly until it clears the overlap invariant against every atom
// placed so far, abandoning after maxTrialsPerAtom attempts.
func NewRandom(table *species.Table, stoich species.Stoichiometry, box float64, maxTrialsPerAtom int, rng *rand.Rand) (*Cluster, error) {
	if maxTrialsPerAtom <= 0 {
		maxTrialsPerAtom = 500
	}

	var ids []species.ID
	for id, count := range stoich {
		for i := 0; i < count; i++ {
			ids = append(ids, id)
		}
	}

	g, err := spatial.New(box, table.MaxSigma())
	if err != nil {
		return nil, err
	}
	half := box / 2

	atoms := make([]Atom, 0, len(ids))
	for i, id := range ids {
		placed := false
		for trial := 0; trial < maxTrialsPerAtom; trial++ {
			pos := spatial.Vec3{
				X: (rng.Float64()*2 - 1) * half,
				Y: (rng.Float64()*2 - 1) * half,
				Z: (rng.Float64()*2 - 1) * half,
			}
			overlaps, err := g.Overlaps(pos, func(neighborIdx int) float64 {
				return table.Sigma(id, atoms[neighborIdx].Species)
			})
			if err != nil {
				return nil, err
			}
			if overlaps {
				continue
			}
			if err := g.Insert(i, pos); err != nil {
				return nil, err
			}
			atoms = append(atoms, Atom{Species: id, Pos: pos})
			placed = true
			break
		}
		if !placed {
			return nil, fmt.Errorf("%w: could not place atom %d of %d after %d trials", clustererr.ErrPackingFailure, i+1, len(ids), maxTrialsPerAtom)
		}
	}

	return &Cluster{Table: table, Stoich: stoich, Atoms: atoms, box: box}, nil
}

// Clone returns a deep copy of c, independent of the original's
// backing array.
func (c *Cluster) Clone() *Cluster {
	atoms := make([]Atom, len(c.Atoms))
	copy(atoms, c.Atoms)
	return &Cluster{
		Table:  c.Table,
		Stoich: c.Stoich,
		Atoms:  atoms,
		Energy: c.Energy,
		box:    c.box,
	}
}

// Centroid returns the mean position across all atoms.
func (c *Cluster) Centroid() spatial.Vec3 {
	var sum spatial.Vec3
	for _, a := range c.Atoms {
		sum.X += a.Pos.X
		sum.Y += a.Pos.Y
		sum.Z += a.Pos.Z
	}
	n := float64(len(c.Atoms))
	return spatial.Vec3{X: sum.X / n, Y: sum.Y / n, Z: sum.Z / n}
}

// revalidate re-checks the overlap invariant after an in-place
// transform, resetting Energy to unevaluated on success. On failure
// it returns the error without modifying atoms (the caller already
// holds a snapshot to restore).
func (c *Cluster) revalidate() error {
	if err := c.checkOverlaps(); err != nil {
		return err
	}
	c.Energy = Energy{}
	return nil
}

// snapshot captures positions so a failed transform can be rolled
// back without re-deriving the original cluster.
func (c *Cluster) snapshot() []spatial.Vec3 {
	pos := make([]spatial.Vec3, len(c.Atoms))
	for i, a := range c.Atoms {
		pos[i] = a.Pos
	}
	return pos
}

func (c *Cluster) restore(pos []spatial.Vec3) {
	for i := range c.Atoms {
		c.Atoms[i].Pos = pos[i]
	}
}

// Translate shifts every atom by v in place. Per spec.md §4.2, the
// centroid is conceptually free to drift, so translate does not
// re-center or reject on success — but it still resets Energy and
// re-asserts the overlap invariant. A pure shift never changes pairwise
// separations, but a shift that moves any atom outside the simulation
// box fails that check; the cluster is then left unchanged.
func (c *Cluster) Translate(v spatial.Vec3) error {
	snap := c.snapshot()
	for i := range c.Atoms {
		c.Atoms[i].Pos.X += v.X
		c.Atoms[i].Pos.Y += v.Y
		c.Atoms[i].Pos.Z += v.Z
	}
	if err := c.revalidate(); err != nil {
		c.restore(snap)
		return err
	}
	return nil
}

// Rotate rotates every atom by angle radians about axis, through the
// cluster's centroid (rotation re-centers on entry and does not
// persist translation, per spec.md §3).
func (c *Cluster) Rotate(axis spatial.Vec3, angle float64) error {
	norm := axis.Norm()
	if norm == 0 {
		return fmt.Errorf("cluster: rotation axis must be non-zero")
	}
	axis = spatial.Vec3{X: axis.X / norm, Y: axis.Y / norm, Z: axis.Z / norm}

	snap := c.snapshot()
	centroid := c.Centroid()
	sinA, cosA := math.Sin(angle), math.Cos(angle)

	for i := range c.Atoms {
		p := c.Atoms[i].Pos.Sub(centroid)
		rotated := rodrigues(p, axis, sinA, cosA)
		c.Atoms[i].Pos = spatial.Vec3{X: rotated.X + centroid.X, Y: rotated.Y + centroid.Y, Z: rotated.Z + centroid.Z}
	}

	if err := c.revalidate(); err != nil {
		c.restore(snap)
		return err
	}
	return nil
}

// rodrigues applies Rodrigues' rotation formula: v rotated by angle
// (given as sin/cos) about a unit axis.
func rodrigues(v, axis spatial.Vec3, sinA, cosA float64) spatial.Vec3 {
	dot := v.X*axis.X + v.Y*axis.Y + v.Z*axis.Z
	cross := spatial.Vec3{
		X: axis.Y*v.Z - axis.Z*v.Y,
		Y: axis.Z*v.X - axis.X*v.Z,
		Z: axis.X*v.Y - axis.Y*v.X,
	}
	return spatial.Vec3{
		X: v.X*cosA + cross.X*sinA + axis.X*dot*(1-cosA),
		Y: v.Y*cosA + cross.Y*sinA + axis.Y*dot*(1-cosA),
		Z: v.Z*cosA + cross.Z*sinA + axis.Z*dot*(1-cosA),
	}
}

// Rattle applies an independent Gaussian displacement of standard
// deviation amplitude to every atom.
func (c *Cluster) Rattle(amplitude float64, rng *rand.Rand) error {
	snap := c.snapshot()
	for i := range c.Atoms {
		c.Atoms[i].Pos.X += rng.NormFloat64() * amplitude
		c.Atoms[i].Pos.Y += rng.NormFloat64() * amplitude
		c.Atoms[i].Pos.Z += rng.NormFloat64() * amplitude
	}
	if err := c.revalidate(); err != nil {
		c.restore(snap)
		return err
	}
	return nil
}

// Twist picks the atoms on one side of a plane through the centroid
// (given by its normal) and rotates only those atoms by angle about
// that same normal, leaving the other side untouched.
func (c *Cluster) Twist(normal spatial.Vec3, angle float64) error {
	norm := normal.Norm()
	if norm == 0 {
		return fmt.Errorf("cluster: twist normal must be non-zero")
	}
	normal = spatial.Vec3{X: normal.X / norm, Y: normal.Y / norm, Z: normal.Z / norm}

	snap := c.snapshot()
	centroid := c.Centroid()
	sinA, cosA := math.Sin(angle), math.Cos(angle)

	for i := range c.Atoms {
		rel := c.Atoms[i].Pos.Sub(centroid)
		side := rel.X*normal.X + rel.Y*normal.Y + rel.Z*normal.Z
		if side < 0 {
			continue
		}
		rotated := rodrigues(rel, normal, sinA, cosA)
		c.Atoms[i].Pos = spatial.Vec3{X: rotated.X + centroid.X, Y: rotated.Y + centroid.Y, Z: rotated.Z + centroid.Z}
	}

	if err := c.revalidate(); err != nil {
		c.restore(snap)
		return err
	}
	return nil
}

// Breathe multiplies every atom's radial offset from the centroid by
// scale, contracting (scale < 1) or expanding (scale > 1) the cluster.
func (c *Cluster) Breathe(scale float64) error {
	if scale <= 0 {
		return fmt.Errorf("cluster: breathe scale must be positive, got %v", scale)
	}
	snap := c.snapshot()
	centroid := c.Centroid()
	for i := range c.Atoms {
		rel := c.Atoms[i].Pos.Sub(centroid)
		c.Atoms[i].Pos = spatial.Vec3{
			X: centroid.X + rel.X*scale,
			Y: centroid.Y + rel.Y*scale,
			Z: centroid.Z + rel.Z*scale,
		}
	}
	if err := c.revalidate(); err != nil {
		c.restore(snap)
		return err
	}
	return nil
}

// ApplyRelaxation overwrites atom positions with the relaxer's output
// and records its energy, per spec.md §4.3: an evaluator is the only
// thing permitted to set Energy.Evaluated true. Positions must match
// the atom count exactly; the overlap invariant is re-checked since a
// relaxer is an external, untrusted process and the spec requires the
// invariant to hold for every cluster in the population.
func (c *Cluster) ApplyRelaxation(positions []spatial.Vec3, energy float64) error {
	if len(positions) != len(c.Atoms) {
		return fmt.Errorf("cluster: relaxer returned %d positions, want %d", len(positions), len(c.Atoms))
	}
	snap := c.snapshot()
	for i := range c.Atoms {
		c.Atoms[i].Pos = positions[i]
	}
	if err := c.checkOverlaps(); err != nil {
		c.restore(snap)
		return err
	}
	c.Energy = Energy{Value: energy, Evaluated: true}
	return nil
}

// SplitByPlane partitions atom indices by which side of a plane
// (defined by normal and signed offset from the centroid along that
// normal) they fall on. Used by cut-and-splice crossover (§4.5).
func (c *Cluster) SplitByPlane(normal spatial.Vec3, offset float64) (above, below []int) {
	norm := normal.Norm()
	if norm == 0 {
		return nil, nil
	}
	normal = spatial.Vec3{X: normal.X / norm, Y: normal.Y / norm, Z: normal.Z / norm}
	centroid := c.Centroid()

	for i, a := range c.Atoms {
		rel := a.Pos.Sub(centroid)
		side := rel.X*normal.X + rel.Y*normal.Y + rel.Z*normal.Z
		if side >= offset {
			above = append(above, i)
		} else {
			below = append(below, i)
		}
	}
	return above, below
}

// Fingerprint returns a permutation- and rotation-invariant signature:
// a sorted pairwise-distance histogram binned to resolution bins
// spanning [0, box*sqrt(3)] (the largest possible separation inside
// the simulation box). Equal under any rigid rotation and any
// within-species atom permutation, up to binning quantization error.
func (c *Cluster) Fingerprint(bins int) []float64 {
	if bins <= 0 {
		bins = 32
	}
	maxDist := c.box * math.Sqrt(3)
	if maxDist <= 0 {
		maxDist = 1
	}
	hist := make([]float64, bins)

	n := len(c.Atoms)
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := c.Atoms[i].Pos.Sub(c.Atoms[j].Pos).Norm()
			bin := int(d / maxDist * float64(bins))
			if bin >= bins {
				bin = bins - 1
			}
			if bin < 0 {
				bin = 0
			}
			hist[bin]++
			pairs++
		}
	}
	if pairs > 0 {
		for i := range hist {
			hist[i] /= float64(pairs)
		}
	}
	return hist
}

// SpeciesHistogram returns the per-species atom counts currently
// present, for diagnostics and tests.
func (c *Cluster) SpeciesHistogram() map[species.ID]int {
	h := make(map[species.ID]int)
	for _, a := range c.Atoms {
		h[a.Species]++
	}
	return h
}
