// Package history is a persistence engine for iterative
// stochastic-inference (ABC-SMC) experiments. It records, across
// sequential generations, which candidate models survived, which
// particles were accepted, their importance weights and summary
// statistics, and answers analytical queries over the accumulated run:
// weighted parameter distributions, model-probability trajectories,
// alive-model sets and cumulative sample counts.
//
// The backing store is a single SQLite file. A run is written once with
// StoreInitialData and then grown one generation-model contribution at a
// time with AppendPopulation; each append is a single transaction, so
// several processes holding handles on the same file can contribute to
// the same generation safely. All read queries go against current
// committed state and return independent copies.
//
//	h, err := history.Open("abc.db")
//	if err != nil { ... }
//	defer h.Close()
//
//	err = h.StoreInitialData(ctx, &gtModel, gtParams, observed, names, dist, eps, strat)
//	err = h.AppendPopulation(ctx, 0, 0.42, particles, 2500, names)
//
//	dist, err := h.GetDistribution(ctx, 0, 0)
//
// The engine only stores what it is told: proposing particles, computing
// distances and acceptance thresholds, and deciding convergence belong to
// the caller.
package history
