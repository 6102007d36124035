package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ldxlovelbx/pyabc/internal/encoding"
)

// StoreInitialData persists the run's fixed metadata: the ground-truth
// model index (nil when no true model exists), the ground-truth parameter
// values, the observed summary statistics, the ordered model-name list,
// and the three opaque descriptor strings, which are stored verbatim.
//
// Calling it on an already initialized store replaces the previous run
// and everything recorded under it.
func (h *History) StoreInitialData(
	ctx context.Context,
	groundTruthModel *int,
	groundTruthParameters map[string]float64,
	observedSumStats map[string]encoding.Value,
	modelNames []string,
	distanceFunction, epsilonFunction, populationStrategy string,
) error {
	db, err := h.conn()
	if err != nil {
		return wrapError("store_initial_data", err)
	}

	if groundTruthModel != nil && (*groundTruthModel < 0 || *groundTruthModel >= len(modelNames)) {
		return wrapError("store_initial_data",
			fmt.Errorf("ground truth model %d out of range (have %d model names)", *groundTruthModel, len(modelNames)))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("store_initial_data", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer h.rollback(tx, "store_initial_data")

	// Re-initialization is a full replace of the stored run.
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = 1`); err != nil {
		return wrapError("store_initial_data", err)
	}

	uid := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, uid, start_time, distance_function, epsilon_function, population_strategy)
		VALUES (1, ?, ?, ?, ?, ?)
	`, uid, time.Now().UTC().Format(time.RFC3339Nano), distanceFunction, epsilonFunction, populationStrategy)
	if err != nil {
		return wrapError("store_initial_data", err)
	}

	// The ground-truth configuration lives at the pseudo-population t = -1.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO populations (run_id, t, epsilon, nr_samples) VALUES (1, -1, 0, 0)
	`)
	if err != nil {
		return wrapError("store_initial_data", err)
	}
	popID, err := res.LastInsertId()
	if err != nil {
		return wrapError("store_initial_data", err)
	}

	var gtModelID int64
	for m, name := range modelNames {
		groundTruth := groundTruthModel != nil && *groundTruthModel == m
		res, err := tx.ExecContext(ctx, `
			INSERT INTO models (population_id, m, name, ground_truth) VALUES (?, ?, ?, ?)
		`, popID, m, name, groundTruth)
		if err != nil {
			return wrapError("store_initial_data", err)
		}
		if groundTruth {
			if gtModelID, err = res.LastInsertId(); err != nil {
				return wrapError("store_initial_data", err)
			}
		}
	}
	if groundTruthModel == nil {
		// No true model: an anonymous row holds the observed data.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO models (population_id, m, name, ground_truth) VALUES (?, NULL, NULL, 1)
		`, popID)
		if err != nil {
			return wrapError("store_initial_data", err)
		}
		if gtModelID, err = res.LastInsertId(); err != nil {
			return wrapError("store_initial_data", err)
		}
	}

	gtParticle := Particle{
		Parameters: groundTruthParameters,
		Weight:     1,
		Distances:  []float64{0},
		SumStats:   []SumStats{observedSumStats},
	}
	if err := insertParticle(ctx, tx, gtModelID, gtParticle); err != nil {
		return wrapError("store_initial_data", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapError("store_initial_data", fmt.Errorf("failed to commit transaction: %w", err))
	}

	h.logger.Info("run initialized", "run", uid, "models", len(modelNames))
	return nil
}

// AppendPopulation records one generation-model contribution: the accepted
// particles of generation t, with the acceptance threshold and the number
// of sample attempts spent producing them. The whole call is one
// transaction; either every particle becomes visible together with the
// updated sample count, or none does.
//
// Repeated calls for the same t accumulate: particles are added, never
// replaced, and nrSamples is added once per call. The epsilon stored for a
// generation is the one from the first call that created it; later values
// for the same t are ignored.
//
// Each particle's Model field is a raw index into the run's model-name
// list; modelNames is only consulted for the display name attached to a
// model the first time it appears at t.
func (h *History) AppendPopulation(
	ctx context.Context,
	t int,
	epsilon float64,
	particles []Particle,
	nrSamples int,
	modelNames []string,
) error {
	db, err := h.conn()
	if err != nil {
		return wrapError("append_population", err)
	}

	if t < 0 {
		return wrapError("append_population", fmt.Errorf("generation index %d must be non-negative", t))
	}
	for i, p := range particles {
		if p.Model < 0 {
			return wrapError("append_population", fmt.Errorf("particle %d: model index %d must be non-negative", i, p.Model))
		}
		if p.Weight < 0 || math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) {
			return wrapError("append_population", fmt.Errorf("particle %d: %w: %v", i, ErrInvalidWeight, p.Weight))
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("append_population", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer h.rollback(tx, "append_population")

	run, err := loadRun(ctx, tx)
	if err != nil {
		return wrapError("append_population", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO populations (run_id, t, epsilon, nr_samples) VALUES (1, ?, ?, ?)
		ON CONFLICT (run_id, t) DO UPDATE SET nr_samples = nr_samples + excluded.nr_samples
	`, t, epsilon, nrSamples)
	if err != nil {
		return wrapError("append_population", err)
	}

	var popID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM populations WHERE run_id = 1 AND t = ?`, t).Scan(&popID)
	if err != nil {
		return wrapError("append_population", err)
	}

	// Particles are inserted in input order, so insertion order within a
	// generation-model group survives interleaved grouping.
	modelIDs := make(map[int]int64)
	for i, p := range particles {
		modelID, ok := modelIDs[p.Model]
		if !ok {
			modelID, err = resolveModel(ctx, tx, popID, p.Model, modelNames)
			if err != nil {
				return wrapError("append_population", fmt.Errorf("particle %d: %w", i, err))
			}
			modelIDs[p.Model] = modelID
		}
		if err := insertParticle(ctx, tx, modelID, p); err != nil {
			return wrapError("append_population", fmt.Errorf("particle %d: %w", i, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapError("append_population", fmt.Errorf("failed to commit transaction: %w", err))
	}

	h.logger.Debug("population appended",
		"run", run.uid, "t", t, "particles", len(particles), "nr_samples", nrSamples)
	return nil
}

// Done records the run end time. It fails with ErrUninitialized on a
// store that was never initialized.
func (h *History) Done(ctx context.Context) error {
	db, err := h.conn()
	if err != nil {
		return wrapError("done", err)
	}

	res, err := db.ExecContext(ctx, `UPDATE runs SET end_time = ? WHERE id = 1`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return wrapError("done", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapError("done", err)
	}
	if n == 0 {
		return wrapError("done", ErrUninitialized)
	}

	h.logger.Info("run done", "path", h.path)
	return nil
}

// resolveModel returns the model row id for (population, m), creating the
// row on first sight. The display name is taken from modelNames when the
// index is within range.
func resolveModel(ctx context.Context, tx *sql.Tx, popID int64, m int, modelNames []string) (int64, error) {
	var name sql.NullString
	if m < len(modelNames) {
		name = sql.NullString{String: modelNames[m], Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO models (population_id, m, name) VALUES (?, ?, ?)
		ON CONFLICT (population_id, m) DO NOTHING
	`, popID, m, name)
	if err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM models WHERE population_id = ? AND m = ?`, popID, m).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// insertParticle stores one particle with its parameter vector and one
// sample row per summary-statistic record
func insertParticle(ctx context.Context, tx *sql.Tx, modelID int64, p Particle) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO particles (model_id, w) VALUES (?, ?)`, modelID, p.Weight)
	if err != nil {
		return err
	}
	particleID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(p.Parameters))
	for name := range p.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, err := tx.ExecContext(ctx, `INSERT INTO parameters (particle_id, name, value) VALUES (?, ?, ?)`,
			particleID, name, p.Parameters[name])
		if err != nil {
			return err
		}
	}

	for i, stats := range p.SumStats {
		distance := 0.0
		if i < len(p.Distances) {
			distance = p.Distances[i]
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO samples (particle_id, distance) VALUES (?, ?)`,
			particleID, distance)
		if err != nil {
			return err
		}
		sampleID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		statNames := make([]string, 0, len(stats))
		for name := range stats {
			statNames = append(statNames, name)
		}
		sort.Strings(statNames)
		for _, name := range statNames {
			blob, err := encoding.Encode(stats[name])
			if err != nil {
				return fmt.Errorf("encode summary statistic %q: %w", name, err)
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO summary_statistics (sample_id, name, value) VALUES (?, ?, ?)`,
				sampleID, name, blob)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// rollback discards a transaction, logging anything other than a rollback
// after commit
func (h *History) rollback(tx *sql.Tx, op string) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		h.logger.Warn("failed to rollback transaction", "op", op, "error", err)
	}
}

// FlattenParameters flattens nested numeric parameter mappings into the
// flat name-to-number form the writer stores, joining nested keys with an
// underscore. Values may be Go integers, floats, or further string-keyed
// maps of the same.
func FlattenParameters(params map[string]any) (map[string]float64, error) {
	out := make(map[string]float64, len(params))
	if err := flattenInto(out, "", params); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]float64, prefix string, params map[string]any) error {
	for key, value := range params {
		name := key
		if prefix != "" {
			name = prefix + "_" + key
		}
		switch v := value.(type) {
		case float64:
			out[name] = v
		case float32:
			out[name] = float64(v)
		case int:
			out[name] = float64(v)
		case int64:
			out[name] = float64(v)
		case int32:
			out[name] = float64(v)
		case int16:
			out[name] = float64(v)
		case int8:
			out[name] = float64(v)
		case uint:
			out[name] = float64(v)
		case uint64:
			out[name] = float64(v)
		case uint32:
			out[name] = float64(v)
		case uint16:
			out[name] = float64(v)
		case uint8:
			out[name] = float64(v)
		case map[string]any:
			if err := flattenInto(out, name, v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("parameter %q: unsupported type %T", name, value)
		}
	}
	return nil
}
