package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/ldxlovelbx/pyabc/internal/encoding"
)

// ModelNames returns the run's model names in their original order
func (h *History) ModelNames(ctx context.Context) ([]string, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("model_names", err)
	}
	if _, err := loadRun(ctx, db); err != nil {
		return nil, wrapError("model_names", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT mo.name
		FROM models mo
		JOIN populations po ON mo.population_id = po.id
		WHERE po.run_id = 1 AND po.t = -1 AND mo.name IS NOT NULL
		ORDER BY mo.m
	`)
	if err != nil {
		return nil, wrapError("model_names", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapError("model_names", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("model_names", err)
	}
	return names, nil
}

// ObservedSumStat returns the observed summary statistics recorded at
// initialization. The result is an independent copy; every leaf comes
// back array-kinded, with scalar leaves widened to zero-dimensional
// single-element arrays.
func (h *History) ObservedSumStat(ctx context.Context) (map[string]encoding.Value, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("observed_sum_stat", err)
	}
	if _, err := loadRun(ctx, db); err != nil {
		return nil, wrapError("observed_sum_stat", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT ss.name, ss.value
		FROM summary_statistics ss
		JOIN samples s ON ss.sample_id = s.id
		JOIN particles pa ON s.particle_id = pa.id
		JOIN models mo ON pa.model_id = mo.id
		JOIN populations po ON mo.population_id = po.id
		WHERE po.run_id = 1 AND po.t = -1 AND mo.ground_truth = 1
	`)
	if err != nil {
		return nil, wrapError("observed_sum_stat", err)
	}
	defer rows.Close()

	stats := make(map[string]encoding.Value)
	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, wrapError("observed_sum_stat", err)
		}
		v, err := encoding.Decode(blob)
		if err != nil {
			return nil, wrapError("observed_sum_stat", fmt.Errorf("statistic %q: %w", name, err))
		}
		stats[name] = toArrayValue(v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("observed_sum_stat", err)
	}
	return stats, nil
}

// PopulationStrategy returns the decoded population-strategy descriptor
func (h *History) PopulationStrategy(ctx context.Context) (map[string]any, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("get_population_strategy", err)
	}
	run, err := loadRun(ctx, db)
	if err != nil {
		return nil, wrapError("get_population_strategy", err)
	}

	var strategy map[string]any
	if err := json.Unmarshal([]byte(run.popStrategy), &strategy); err != nil {
		return nil, wrapError("get_population_strategy", fmt.Errorf("invalid descriptor: %w", err))
	}
	return strategy, nil
}

// DistanceFunction returns the distance-function descriptor verbatim
func (h *History) DistanceFunction(ctx context.Context) (string, error) {
	db, err := h.conn()
	if err != nil {
		return "", wrapError("distance_function", err)
	}
	run, err := loadRun(ctx, db)
	if err != nil {
		return "", wrapError("distance_function", err)
	}
	return run.distanceFunction, nil
}

// EpsilonFunction returns the epsilon-schedule descriptor verbatim
func (h *History) EpsilonFunction(ctx context.Context) (string, error) {
	db, err := h.conn()
	if err != nil {
		return "", wrapError("epsilon_function", err)
	}
	run, err := loadRun(ctx, db)
	if err != nil {
		return "", wrapError("epsilon_function", err)
	}
	return run.epsilonFunction, nil
}

// RunUID returns the identifier assigned to the run at initialization
func (h *History) RunUID(ctx context.Context) (string, error) {
	db, err := h.conn()
	if err != nil {
		return "", wrapError("run_uid", err)
	}
	run, err := loadRun(ctx, db)
	if err != nil {
		return "", wrapError("run_uid", err)
	}
	return run.uid, nil
}

// AliveModels returns, in ascending order, the indices of the models with
// at least one particle recorded at generation t
func (h *History) AliveModels(ctx context.Context, t int) ([]int, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("alive_models", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT mo.m
		FROM models mo
		JOIN populations po ON mo.population_id = po.id
		JOIN particles pa ON pa.model_id = mo.id
		WHERE po.run_id = 1 AND po.t = ? AND mo.m IS NOT NULL
		ORDER BY mo.m
	`, t)
	if err != nil {
		return nil, wrapError("alive_models", err)
	}
	defer rows.Close()

	var alive []int
	for rows.Next() {
		var m int
		if err := rows.Scan(&m); err != nil {
			return nil, wrapError("alive_models", err)
		}
		alive = append(alive, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("alive_models", err)
	}
	return alive, nil
}

// GetDistribution returns the weighted parameter sample of model m at
// generation t. Rows are in insertion order, columns are the sorted union
// of the parameter names seen in the group, and weights are the stored
// weights divided by their sum. A group with no particles fails with
// ErrNoParticles.
func (h *History) GetDistribution(ctx context.Context, m, t int) (*Distribution, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("get_distribution", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT pa.id, pa.w, pr.name, pr.value
		FROM particles pa
		JOIN models mo ON pa.model_id = mo.id
		JOIN populations po ON mo.population_id = po.id
		LEFT JOIN parameters pr ON pr.particle_id = pa.id
		WHERE po.run_id = 1 AND po.t = ? AND mo.m = ?
		ORDER BY pa.id
	`, t, m)
	if err != nil {
		return nil, wrapError("get_distribution", err)
	}
	defer rows.Close()

	var (
		order   []int64
		weights = make(map[int64]float64)
		params  = make(map[int64]map[string]float64)
		nameSet = make(map[string]bool)
	)
	for rows.Next() {
		var (
			id    int64
			w     float64
			name  sql.NullString
			value sql.NullFloat64
		)
		if err := rows.Scan(&id, &w, &name, &value); err != nil {
			return nil, wrapError("get_distribution", err)
		}
		if _, seen := weights[id]; !seen {
			order = append(order, id)
			weights[id] = w
			params[id] = make(map[string]float64)
		}
		if name.Valid {
			params[id][name.String] = value.Float64
			nameSet[name.String] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("get_distribution", err)
	}
	if len(order) == 0 {
		return nil, wrapError("get_distribution", fmt.Errorf("m=%d t=%d: %w", m, t, ErrNoParticles))
	}

	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	dist := &Distribution{
		Names:   names,
		Rows:    make([][]float64, len(order)),
		Weights: make([]float64, len(order)),
	}
	for i, id := range order {
		row := make([]float64, len(names))
		for j, name := range names {
			if v, ok := params[id][name]; ok {
				row[j] = v
			} else {
				row[j] = math.NaN()
			}
		}
		dist.Rows[i] = row
		dist.Weights[i] = weights[id]
	}
	normalize(dist.Weights)
	return dist, nil
}

// GetSumStats returns the decoded summary-statistic records of model m at
// generation t, one entry per recorded (particle, sample) pair in
// insertion order, together with the parallel normalized weight vector.
func (h *History) GetSumStats(ctx context.Context, m, t int) ([]float64, []SumStats, error) {
	db, err := h.conn()
	if err != nil {
		return nil, nil, wrapError("get_sum_stats", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT s.id, pa.w, ss.name, ss.value
		FROM samples s
		JOIN particles pa ON s.particle_id = pa.id
		JOIN models mo ON pa.model_id = mo.id
		JOIN populations po ON mo.population_id = po.id
		LEFT JOIN summary_statistics ss ON ss.sample_id = s.id
		WHERE po.run_id = 1 AND po.t = ? AND mo.m = ?
		ORDER BY pa.id, s.id
	`, t, m)
	if err != nil {
		return nil, nil, wrapError("get_sum_stats", err)
	}
	defer rows.Close()

	var (
		weights []float64
		results []SumStats
		seen    = make(map[int64]int)
	)
	for rows.Next() {
		var (
			sampleID int64
			w        float64
			name     sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&sampleID, &w, &name, &blob); err != nil {
			return nil, nil, wrapError("get_sum_stats", err)
		}
		idx, ok := seen[sampleID]
		if !ok {
			idx = len(results)
			seen[sampleID] = idx
			weights = append(weights, w)
			results = append(results, make(SumStats))
		}
		if name.Valid {
			v, err := encoding.Decode(blob)
			if err != nil {
				return nil, nil, wrapError("get_sum_stats", fmt.Errorf("statistic %q: %w", name.String, err))
			}
			results[idx][name.String] = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrapError("get_sum_stats", err)
	}
	if len(results) == 0 {
		return nil, nil, wrapError("get_sum_stats", fmt.Errorf("m=%d t=%d: %w", m, t, ErrNoParticles))
	}

	normalize(weights)
	return weights, results, nil
}

// GetWeightedDistances returns the accepted distances recorded at
// generation t across all models, one entry per (particle, sample) pair
// in insertion order. Each entry carries its particle's stored weight
// scaled by the owning model's probability, which reduces to the
// particle weight divided by the generation's total; a generation with
// one sample per particle therefore has weights summing to one. A
// generation with no particles yields an empty slice.
func (h *History) GetWeightedDistances(ctx context.Context, t int) ([]WeightedDistance, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("get_weighted_distances", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT pa.id, pa.w, s.distance
		FROM samples s
		JOIN particles pa ON s.particle_id = pa.id
		JOIN models mo ON pa.model_id = mo.id
		JOIN populations po ON mo.population_id = po.id
		WHERE po.run_id = 1 AND po.t = ? AND mo.m IS NOT NULL
		ORDER BY pa.id, s.id
	`, t)
	if err != nil {
		return nil, wrapError("get_weighted_distances", err)
	}
	defer rows.Close()

	var (
		out   []WeightedDistance
		seen  = make(map[int64]bool)
		total = 0.0
	)
	for rows.Next() {
		var (
			particleID int64
			w          float64
			distance   float64
		)
		if err := rows.Scan(&particleID, &w, &distance); err != nil {
			return nil, wrapError("get_weighted_distances", err)
		}
		if !seen[particleID] {
			seen[particleID] = true
			total += w
		}
		out = append(out, WeightedDistance{Distance: distance, W: w})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("get_weighted_distances", err)
	}

	if total > 0 {
		for i := range out {
			out[i].W /= total
		}
	}
	return out, nil
}

// NrModelsAlive returns the number of models with at least one particle
// recorded at generation t
func (h *History) NrModelsAlive(ctx context.Context, t int) (int, error) {
	alive, err := h.AliveModels(ctx, t)
	if err != nil {
		return 0, err
	}
	return len(alive), nil
}

// GetModelProbabilities returns, for every model alive at generation t,
// the sum of its particle weights divided by the weight sum over all
// alive models, so the probabilities sum to one. A generation with no
// particles yields an empty map.
func (h *History) GetModelProbabilities(ctx context.Context, t int) (map[int]float64, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("get_model_probabilities", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT mo.m, SUM(pa.w)
		FROM particles pa
		JOIN models mo ON pa.model_id = mo.id
		JOIN populations po ON mo.population_id = po.id
		WHERE po.run_id = 1 AND po.t = ? AND mo.m IS NOT NULL
		GROUP BY mo.m
		ORDER BY mo.m
	`, t)
	if err != nil {
		return nil, wrapError("get_model_probabilities", err)
	}
	defer rows.Close()

	probs := make(map[int]float64)
	total := 0.0
	for rows.Next() {
		var m int
		var w float64
		if err := rows.Scan(&m, &w); err != nil {
			return nil, wrapError("get_model_probabilities", err)
		}
		probs[m] = w
		total += w
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("get_model_probabilities", err)
	}

	if total > 0 {
		for m := range probs {
			probs[m] /= total
		}
	}
	return probs, nil
}

// GetAllModelProbabilities returns the model-probability trajectory over
// every recorded generation, ordered by (t, m), with probabilities
// normalized within each generation.
func (h *History) GetAllModelProbabilities(ctx context.Context) ([]ModelProbability, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("get_model_probabilities", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT po.t, mo.m, SUM(pa.w)
		FROM particles pa
		JOIN models mo ON pa.model_id = mo.id
		JOIN populations po ON mo.population_id = po.id
		WHERE po.run_id = 1 AND po.t >= 0 AND mo.m IS NOT NULL
		GROUP BY po.t, mo.m
		ORDER BY po.t, mo.m
	`)
	if err != nil {
		return nil, wrapError("get_model_probabilities", err)
	}
	defer rows.Close()

	var out []ModelProbability
	totals := make(map[int]float64)
	for rows.Next() {
		var entry ModelProbability
		if err := rows.Scan(&entry.T, &entry.M, &entry.P); err != nil {
			return nil, wrapError("get_model_probabilities", err)
		}
		totals[entry.T] += entry.P
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("get_model_probabilities", err)
	}

	for i := range out {
		if total := totals[out[i].T]; total > 0 {
			out[i].P /= total
		}
	}
	return out, nil
}

// GetAllPopulations returns one row per generation-model group across the
// whole store, ordered by (t, m), with the generation's acceptance
// threshold, its accumulated sample-attempt count, and the group's
// particle count.
func (h *History) GetAllPopulations(ctx context.Context) ([]PopulationRow, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("get_all_populations", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT po.t, mo.m, po.epsilon, po.nr_samples, COUNT(pa.id)
		FROM populations po
		JOIN models mo ON mo.population_id = po.id
		LEFT JOIN particles pa ON pa.model_id = mo.id
		WHERE po.run_id = 1 AND po.t >= 0 AND mo.m IS NOT NULL
		GROUP BY po.t, mo.m
		HAVING COUNT(pa.id) > 0
		ORDER BY po.t, mo.m
	`)
	if err != nil {
		return nil, wrapError("get_all_populations", err)
	}
	defer rows.Close()

	var out []PopulationRow
	for rows.Next() {
		var row PopulationRow
		if err := rows.Scan(&row.T, &row.M, &row.Epsilon, &row.Samples, &row.Particles); err != nil {
			return nil, wrapError("get_all_populations", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("get_all_populations", err)
	}
	return out, nil
}

// NrParticlesPerPopulation returns the number of accepted particles per
// generation, keyed by t
func (h *History) NrParticlesPerPopulation(ctx context.Context) (map[int]int, error) {
	db, err := h.conn()
	if err != nil {
		return nil, wrapError("nr_particles_per_population", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT po.t, COUNT(pa.id)
		FROM populations po
		JOIN models mo ON mo.population_id = po.id
		JOIN particles pa ON pa.model_id = mo.id
		WHERE po.run_id = 1 AND po.t >= 0
		GROUP BY po.t
	`)
	if err != nil {
		return nil, wrapError("nr_particles_per_population", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var t, n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, wrapError("nr_particles_per_population", err)
		}
		counts[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("nr_particles_per_population", err)
	}
	return counts, nil
}

// TotalNrSimulations returns the total number of sample attempts recorded
// across all generations. It is derived from the stored generation rows,
// never from a separately maintained counter.
func (h *History) TotalNrSimulations(ctx context.Context) (int, error) {
	db, err := h.conn()
	if err != nil {
		return 0, wrapError("total_nr_simulations", err)
	}

	var total int
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(nr_samples), 0) FROM populations WHERE run_id = 1
	`).Scan(&total)
	if err != nil {
		return 0, wrapError("total_nr_simulations", err)
	}
	return total, nil
}

// MaxT returns the greatest recorded generation index. On a store with no
// appended generations it is -1, the index of the ground-truth
// pseudo-population.
func (h *History) MaxT(ctx context.Context) (int, error) {
	db, err := h.conn()
	if err != nil {
		return 0, wrapError("max_t", err)
	}

	var maxT int
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(t), -1) FROM populations WHERE run_id = 1
	`).Scan(&maxT)
	if err != nil {
		return 0, wrapError("max_t", err)
	}
	return maxT, nil
}

// NPopulations returns the number of appended generations, MaxT + 1
func (h *History) NPopulations(ctx context.Context) (int, error) {
	maxT, err := h.MaxT(ctx)
	if err != nil {
		return 0, err
	}
	return maxT + 1, nil
}

// normalize scales weights to sum to one. An all-zero vector is left
// unchanged.
func normalize(weights []float64) {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return
	}
	for i := range weights {
		weights[i] /= total
	}
}

// toArrayValue widens scalar leaves to zero-dimensional arrays, recursing
// through nested maps; array leaves pass through unchanged.
func toArrayValue(v encoding.Value) encoding.Value {
	switch v.Kind() {
	case encoding.KindInt:
		return encoding.Ints(nil, []int64{v.Int()})
	case encoding.KindUint:
		return encoding.Uints(nil, []uint64{v.Uint()})
	case encoding.KindFloat:
		return encoding.Floats(nil, []float64{v.Float()})
	case encoding.KindMap:
		mp := make(map[string]encoding.Value, len(v.Map()))
		for k, e := range v.Map() {
			mp[k] = toArrayValue(e)
		}
		return encoding.Map(mp)
	default:
		return v
	}
}
