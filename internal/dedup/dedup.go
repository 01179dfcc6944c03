// Package dedup implements the structural fingerprint near-duplicate
// suppression used by the GA population (spec.md §4.8): two clusters
// are duplicates iff their fingerprints are within a distance
// threshold AND their energies are within an energy threshold. A
// blake3 hash of each cluster's quantized fingerprint buckets members
// so an insert only has to compare against likely duplicates instead
// of scanning the whole population.
package dedup

import (
	"math"

	"lukechampine.com/blake3"

	"github.com/clusterforge/clusterforge/internal/cluster"
)

// Config holds the duplicate-detection thresholds. spec.md §9 leaves
// whether tau_dup should scale with atom count an open question;
// ScaleWithAtomCount lets a caller opt into that scaling instead of
// guessing an answer.
type Config struct {
	// DistanceThreshold (tau_dup) bounds fingerprint L2 distance.
	DistanceThreshold float64
	// EnergyThreshold (epsilon_E) bounds absolute energy difference.
	EnergyThreshold float64
	// ScaleWithAtomCount, when true, multiplies DistanceThreshold by
	// sqrt(N) where N is the cluster's atom count.
	ScaleWithAtomCount bool
	// FingerprintBins controls the resolution passed to
	// cluster.Cluster.Fingerprint.
	FingerprintBins int
}

// DefaultConfig returns reasonable absolute thresholds for small
// clusters; callers searching larger stoichiometries should consider
// ScaleWithAtomCount.
func DefaultConfig() Config {
	return Config{
		DistanceThreshold: 0.02,
		EnergyThreshold:   1e-3,
		FingerprintBins:   32,
	}
}

func (cfg Config) threshold(c *cluster.Cluster) float64 {
	if !cfg.ScaleWithAtomCount {
		return cfg.DistanceThreshold
	}
	return cfg.DistanceThreshold * math.Sqrt(float64(len(c.Atoms)))
}

// Member is a population entry tracked for duplicate detection.
type Member struct {
	Cluster     *cluster.Cluster
	Fingerprint []float64
	bucket      uint64
}

// Index buckets population members by a hash of their quantized
// fingerprint so FindDuplicate only has to compare within the
// candidate's own bucket; neighboring buckets are not searched.
type Index struct {
	cfg     Config
	buckets map[uint64][]*Member
}

// NewIndex returns an empty duplicate index.
func NewIndex(cfg Config) *Index {
	return &Index{cfg: cfg, buckets: make(map[uint64][]*Member)}
}

// Distance returns the Euclidean distance between two fingerprint
// vectors of equal length.
func Distance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// bucketKey hashes a coarsely quantized fingerprint with blake3,
// giving neighboring-but-not-identical fingerprints a good chance of
// landing in the same bucket (quantization is coarser than
// FingerprintBins resolution, by design, as a candidate-generation
// pre-filter — exact comparison still happens via Distance).
func bucketKey(fp []float64) uint64 {
	h := blake3.New(8, nil)
	buf := make([]byte, 8)
	for _, v := range fp {
		q := int64(math.Round(v * 50)) // coarse quantization
		for i := 0; i < 8; i++ {
			buf[i] = byte(q >> (8 * i))
		}
		h.Write(buf)
	}
	sum := h.Sum(nil)
	var acc uint64
	for _, b := range sum {
		acc = acc<<8 | uint64(b)
	}
	return acc
}

// FindDuplicate returns the existing Member that c duplicates, if
// any, per the spec.md §4.8 criterion (fingerprint distance below
// threshold AND energy difference below threshold). Only the
// candidate's bucket is scanned.
func (idx *Index) FindDuplicate(c *cluster.Cluster) *Member {
	if !c.Energy.Evaluated {
		return nil
	}
	fp := c.Fingerprint(idx.cfg.FingerprintBins)
	key := bucketKey(fp)
	threshold := idx.cfg.threshold(c)

	for _, m := range idx.buckets[key] {
		if math.Abs(m.Cluster.Energy.Value-c.Energy.Value) >= idx.cfg.EnergyThreshold {
			continue
		}
		if Distance(fp, m.Fingerprint) < threshold {
			return m
		}
	}
	return nil
}

// Insert adds c to the index unconditionally (the caller is
// responsible for having already resolved any duplicate via
// FindDuplicate and Remove).
func (idx *Index) Insert(c *cluster.Cluster) {
	fp := c.Fingerprint(idx.cfg.FingerprintBins)
	key := bucketKey(fp)
	m := &Member{Cluster: c, Fingerprint: fp, bucket: key}
	idx.buckets[key] = append(idx.buckets[key], m)
}

// Remove drops m from the index.
func (idx *Index) Remove(m *Member) {
	bucket := idx.buckets[m.bucket]
	for i, existing := range bucket {
		if existing == m {
			idx.buckets[m.bucket] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Rebuild discards the current index contents and re-inserts every
// cluster in members, for when it is cheaper to rebuild than to track
// removals. The GA solver does not call it; its dedupAndSort builds a
// fresh Index on every call.
func (idx *Index) Rebuild(members []*cluster.Cluster) {
	idx.buckets = make(map[uint64][]*Member)
	for _, c := range members {
		idx.Insert(c)
	}
}

// Diversity returns the mean pairwise fingerprint distance across
// population, normalized to [0,1] by the largest observed pairwise
// distance — spec.md §3's "diversity score" and the GA's adaptive
// mutation-rate signal (§4.6). Generalizes the teacher's
// CalculateEnsembleDiversity (mean pairwise dihedral RMSD over
// proteins) to fingerprint distance over clusters.
func Diversity(members []*cluster.Cluster, bins int) float64 {
	n := len(members)
	if n <= 1 {
		return 0
	}

	fps := make([][]float64, n)
	for i, c := range members {
		fps[i] = c.Fingerprint(bins)
	}

	total := 0.0
	count := 0
	max := 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := Distance(fps[i], fps[j])
			total += d
			count++
			if d > max {
				max = d
			}
		}
	}
	if count == 0 || max == 0 {
		return 0
	}
	return (total / float64(count)) / max
}
