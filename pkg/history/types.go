package history

import "github.com/ldxlovelbx/pyabc/internal/encoding"

// SumStats is one named set of summary-statistic measurements computed
// from a single simulation run.
type SumStats map[string]encoding.Value

// Particle is one accepted parameter draw for a model, together with its
// importance weight and the summary statistics of its simulation runs.
type Particle struct {
	// Model is the index of the particle's model in the run's
	// model-name list. It is used as a raw index, never resolved by name.
	Model int

	// Parameters is the parameter vector. The set of names may vary
	// between particles of the same generation; names missing from a
	// particle read back as NaN in the distribution table.
	Parameters map[string]float64

	// Weight is the particle's importance weight. Weights within a
	// generation need not sum to one; readers renormalize.
	Weight float64

	// Distances holds the accepted distances of the individual
	// simulation runs, parallel to SumStats. Missing entries are
	// recorded as zero.
	Distances []float64

	// SumStats holds one measurement set per stochastic repeat of the
	// accepted draw. At least one entry is expected.
	SumStats []SumStats
}

// Distribution is the weighted parameter sample of one generation-model
// group. Rows are in particle insertion order; columns are the distinct
// parameter names seen across the group, sorted. A particle without a
// value for a column carries NaN there.
type Distribution struct {
	Names   []string
	Rows    [][]float64
	Weights []float64 // normalized to sum to one
}

// WeightedDistance is one accepted distance together with the overall
// weight of its particle within the generation, across all models.
type WeightedDistance struct {
	Distance float64
	W        float64
}

// ModelProbability is one entry of the full model-probability trajectory
type ModelProbability struct {
	T int
	M int
	P float64
}

// PopulationRow describes one generation-model group: its acceptance
// threshold, the accumulated number of sample attempts for its time
// index, and the number of accepted particles.
type PopulationRow struct {
	T         int
	M         int
	Epsilon   float64
	Samples   int
	Particles int
}
