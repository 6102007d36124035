package history

import (
	"context"
	"database/sql"
	"fmt"
)

// The store keeps exactly one run per database file. The run's fixed
// metadata lives in `runs`; the ground-truth configuration (observed
// summary statistics, true parameters, model names) is seeded as a
// pseudo-population at t = -1, so the same relational shape serves both
// metadata and generation data.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	uid TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT,
	distance_function TEXT NOT NULL,
	epsilon_function TEXT NOT NULL,
	population_strategy TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS populations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	t INTEGER NOT NULL,
	epsilon REAL NOT NULL,
	nr_samples INTEGER NOT NULL DEFAULT 0,
	UNIQUE (run_id, t)
);

CREATE TABLE IF NOT EXISTS models (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	population_id INTEGER NOT NULL REFERENCES populations(id) ON DELETE CASCADE,
	m INTEGER,
	name TEXT,
	ground_truth INTEGER NOT NULL DEFAULT 0,
	UNIQUE (population_id, m)
);

CREATE TABLE IF NOT EXISTS particles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id INTEGER NOT NULL REFERENCES models(id) ON DELETE CASCADE,
	w REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS parameters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	particle_id INTEGER NOT NULL REFERENCES particles(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	value REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	particle_id INTEGER NOT NULL REFERENCES particles(id) ON DELETE CASCADE,
	distance REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS summary_statistics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sample_id INTEGER NOT NULL REFERENCES samples(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	value BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_models_population ON models(population_id);
CREATE INDEX IF NOT EXISTS idx_particles_model ON particles(model_id);
CREATE INDEX IF NOT EXISTS idx_parameters_particle ON parameters(particle_id);
CREATE INDEX IF NOT EXISTS idx_samples_particle ON samples(particle_id);
CREATE INDEX IF NOT EXISTS idx_sumstats_sample ON summary_statistics(sample_id);
`

// createTables creates the necessary database tables
func createTables(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}
