package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ldxlovelbx/pyabc/internal/encoding"
)

const testStrategy = `{"name": "pop_strategy_str_test"}`

// newTestHistory opens a store on a fresh file and initializes it with 50
// model names, mirroring the standard driver setup
func newTestHistory(t *testing.T) *History {
	t.Helper()

	names := make([]string, 50)
	for i := range names {
		names[i] = fmt.Sprintf("fake_name_%d", i)
	}

	h := openTestHistory(t)
	gt := 0
	err := h.StoreInitialData(context.Background(), &gt, map[string]float64{}, map[string]encoding.Value{},
		names, "", "", testStrategy)
	if err != nil {
		t.Fatalf("StoreInitialData() error = %v", err)
	}
	return h
}

// openTestHistory opens an uninitialized store on a fresh file
func openTestHistory(t *testing.T) *History {
	t.Helper()

	path := filepath.Join(t.TempDir(), "history_test.db")
	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return h
}

func singleParticle() []Particle {
	return []Particle{{
		Model:      0,
		Parameters: map[string]float64{"a": 23, "b": 12},
		Weight:     .2,
		Distances:  []float64{.1},
		SumStats:   []SumStats{{"ss": encoding.Float(.1)}},
	}}
}

// testPop builds a population of n particles for model m
func testPop(m, n int) []Particle {
	particles := make([]Particle, n)
	for i := range particles {
		particles[i] = Particle{
			Model:      m,
			Parameters: map[string]float64{"a": float64(i), "b": float64(i)*0.5 + 0.1},
			Weight:     200,
			Distances:  []float64{.1},
			SumStats:   []SumStats{{"ss": encoding.Float(.1)}},
		}
	}
	return particles
}

func TestSingleParticleSaveLoad(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if err := h.AppendPopulation(ctx, 0, 42, singleParticle(), 2, []string{""}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	dist, err := h.GetDistribution(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetDistribution() error = %v", err)
	}
	if len(dist.Weights) != 1 || dist.Weights[0] != 1 {
		t.Errorf("weights = %v, want [1]", dist.Weights)
	}
	if got := distValue(t, dist, 0, "a"); got != 23 {
		t.Errorf("a = %v, want 23", got)
	}
	if got := distValue(t, dist, 0, "b"); got != 12 {
		t.Errorf("b = %v, want 12", got)
	}
}

func TestIndexRepresentationEquivalence(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if err := h.AppendPopulation(ctx, 0, 42, singleParticle(), 2, []string{""}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	// The same numeric key must work regardless of the integer
	// representation it started as.
	var m64, t64 int64
	var m8 int8
	for _, key := range [][2]int{{0, 0}, {int(m64), int(t64)}, {int(m8), int(t64)}} {
		dist, err := h.GetDistribution(ctx, key[0], key[1])
		if err != nil {
			t.Fatalf("GetDistribution(%v) error = %v", key, err)
		}
		if dist.Weights[0] != 1 || distValue(t, dist, 0, "a") != 23 {
			t.Errorf("GetDistribution(%v) differs from GetDistribution(0, 0)", key)
		}
	}
}

func TestSumStatsSaveLoad(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	arr := make([]float64, 10)
	for i := range arr {
		arr[i] = float64(i) * 0.7
	}
	arr2 := make([]float64, 20)
	for i := range arr2 {
		arr2[i] = float64(i) * 1.3
	}

	particles := []Particle{
		{
			Model:      0,
			Parameters: map[string]float64{"a": 23, "b": 12},
			Weight:     .2,
			Distances:  []float64{.1},
			SumStats:   []SumStats{{"ss1": encoding.Float(.1), "ss2": encoding.Floats([]int{10, 2}, arr2)}},
		},
		{
			Model:      0,
			Parameters: map[string]float64{"a": 23, "b": 12},
			Weight:     .2,
			Distances:  []float64{.1},
			SumStats:   []SumStats{{"ss12": encoding.Float(.11), "ss22": encoding.Floats([]int{10}, arr)}},
		},
	}
	if err := h.AppendPopulation(ctx, 0, 42, particles, 2, []string{"m1", "m2"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	weights, stats, err := h.GetSumStats(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetSumStats() error = %v", err)
	}
	for i, w := range weights {
		if w != 0.5 {
			t.Errorf("weights[%d] = %v, want 0.5", i, w)
		}
	}
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
	if !stats[0]["ss1"].Equal(encoding.Float(.1)) {
		t.Errorf("ss1 = %+v, want 0.1", stats[0]["ss1"])
	}
	if !stats[0]["ss2"].Equal(encoding.Floats([]int{10, 2}, arr2)) {
		t.Error("ss2 array did not round-trip")
	}
	if !stats[1]["ss12"].Equal(encoding.Float(.11)) {
		t.Errorf("ss12 = %+v, want 0.11", stats[1]["ss12"])
	}
	if !stats[1]["ss22"].Equal(encoding.Floats([]int{10}, arr)) {
		t.Error("ss22 array did not round-trip")
	}

	// Returned records are independent copies.
	stats[0]["ss2"].Array().Floats()[0] = 1e9
	_, again, err := h.GetSumStats(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetSumStats() error = %v", err)
	}
	if !again[0]["ss2"].Equal(encoding.Floats([]int{10, 2}, arr2)) {
		t.Error("mutating a returned record affected stored state")
	}
}

func TestTotalNrSimulations(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if err := h.AppendPopulation(ctx, 0, 42, singleParticle(), 4234, []string{"m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}
	if err := h.AppendPopulation(ctx, 0, 42, singleParticle(), 3, []string{"m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	total, err := h.TotalNrSimulations(ctx)
	if err != nil {
		t.Fatalf("TotalNrSimulations() error = %v", err)
	}
	if total != 4237 {
		t.Errorf("TotalNrSimulations() = %d, want 4237", total)
	}
}

func TestAppendAccumulates(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if err := h.AppendPopulation(ctx, 0, 42, testPop(0, 4), 10, []string{"m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}
	if err := h.AppendPopulation(ctx, 0, 42, testPop(0, 3), 5, []string{"m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	dist, err := h.GetDistribution(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetDistribution() error = %v", err)
	}
	if len(dist.Rows) != 7 {
		t.Errorf("len(rows) = %d, want 7 (4 + 3, appended not replaced)", len(dist.Rows))
	}

	rows, err := h.GetAllPopulations(ctx)
	if err != nil {
		t.Fatalf("GetAllPopulations() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Samples != 15 {
		t.Errorf("populations = %+v, want one row with 15 samples", rows)
	}
}

func TestMaxTTracksAppends(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	maxT, err := h.MaxT(ctx)
	if err != nil {
		t.Fatalf("MaxT() error = %v", err)
	}
	if maxT != -1 {
		t.Errorf("MaxT() = %d on fresh store, want -1", maxT)
	}

	for tt := 1; tt < 10; tt++ {
		if err := h.AppendPopulation(ctx, tt, 42, singleParticle(), 2, []string{"m1"}); err != nil {
			t.Fatalf("AppendPopulation(t=%d) error = %v", tt, err)
		}
		maxT, err := h.MaxT(ctx)
		if err != nil {
			t.Fatalf("MaxT() error = %v", err)
		}
		if maxT != tt {
			t.Errorf("MaxT() = %d, want %d", maxT, tt)
		}
	}

	n, err := h.NPopulations(ctx)
	if err != nil {
		t.Fatalf("NPopulations() error = %v", err)
	}
	if n != 10 {
		t.Errorf("NPopulations() = %d, want 10", n)
	}
}

func TestPopulationRetrieval(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	sixNames := []string{"m1", "m1", "m1", "m1", "m1", "m1"}
	manyNames := make([]string, 31)
	for i := range manyNames {
		manyNames[i] = "m1"
	}

	appends := []struct {
		t         int
		epsilon   float64
		particles []Particle
		nrSamples int
		names     []string
	}{
		{1, .23, testPop(0, 4), 234, []string{"m1"}},
		{2, .123, testPop(0, 4), 345, []string{"m1"}},
		{2, .1235, testPop(5, 6), 20345, sixNames},
		{3, .1233, testPop(30, 3), 30345, manyNames},
	}
	for _, a := range appends {
		if err := h.AppendPopulation(ctx, a.t, a.epsilon, a.particles, a.nrSamples, a.names); err != nil {
			t.Fatalf("AppendPopulation(t=%d) error = %v", a.t, err)
		}
	}

	rows, err := h.GetAllPopulations(ctx)
	if err != nil {
		t.Fatalf("GetAllPopulations() error = %v", err)
	}
	// The epsilon of a generation is fixed by the first append for its t;
	// sample counts accumulate per t.
	want := []PopulationRow{
		{T: 1, M: 0, Epsilon: .23, Samples: 234, Particles: 4},
		{T: 2, M: 0, Epsilon: .123, Samples: 20690, Particles: 4},
		{T: 2, M: 5, Epsilon: .123, Samples: 20690, Particles: 6},
		{T: 3, M: 30, Epsilon: .1233, Samples: 30345, Particles: 3},
	}
	if len(rows) != len(want) {
		t.Fatalf("len(rows) = %d, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i] != w {
			t.Errorf("rows[%d] = %+v, want %+v", i, rows[i], w)
		}
	}

	aliveTests := []struct {
		t    int
		want []int
	}{
		{1, []int{0}},
		{2, []int{0, 5}},
		{3, []int{30}},
	}
	for _, tt := range aliveTests {
		alive, err := h.AliveModels(ctx, tt.t)
		if err != nil {
			t.Fatalf("AliveModels(%d) error = %v", tt.t, err)
		}
		if len(alive) != len(tt.want) {
			t.Fatalf("AliveModels(%d) = %v, want %v", tt.t, alive, tt.want)
		}
		for i := range alive {
			if alive[i] != tt.want[i] {
				t.Errorf("AliveModels(%d) = %v, want %v", tt.t, alive, tt.want)
			}
		}
	}

	counts, err := h.NrParticlesPerPopulation(ctx)
	if err != nil {
		t.Fatalf("NrParticlesPerPopulation() error = %v", err)
	}
	wantCounts := map[int]int{1: 4, 2: 10, 3: 3}
	for tt, n := range wantCounts {
		if counts[tt] != n {
			t.Errorf("particles at t=%d: %d, want %d", tt, counts[tt], n)
		}
	}
}

func TestPopulationStrategyStorage(t *testing.T) {
	h := newTestHistory(t)

	strategy, err := h.PopulationStrategy(context.Background())
	if err != nil {
		t.Fatalf("PopulationStrategy() error = %v", err)
	}
	if strategy["name"] != "pop_strategy_str_test" {
		t.Errorf(`strategy["name"] = %v, want "pop_strategy_str_test"`, strategy["name"])
	}
}

func TestWeightNormalization(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	particles := []Particle{
		{Model: 0, Parameters: map[string]float64{"a": 1}, Weight: 1, SumStats: []SumStats{{}}},
		{Model: 0, Parameters: map[string]float64{"a": 2}, Weight: 1, SumStats: []SumStats{{}}},
		{Model: 0, Parameters: map[string]float64{"a": 3}, Weight: 2, SumStats: []SumStats{{}}},
	}
	if err := h.AppendPopulation(ctx, 0, .5, particles, 10, []string{"m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	dist, err := h.GetDistribution(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetDistribution() error = %v", err)
	}
	want := []float64{.25, .25, .5}
	sum := 0.0
	for i, w := range dist.Weights {
		if math.Abs(w-want[i]) > 1e-12 {
			t.Errorf("weights[%d] = %v, want %v", i, w, want[i])
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("sum(weights) = %v, want 1", sum)
	}
}

func TestModelProbabilities(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	names := []string{"m0", "m1", "m2", "m3"}
	if err := h.AppendPopulation(ctx, 1, .23, testPop(3, 5), 234, names); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	probs, err := h.GetModelProbabilities(ctx, 1)
	if err != nil {
		t.Fatalf("GetModelProbabilities() error = %v", err)
	}
	if len(probs) != 1 || probs[3] != 1 {
		t.Errorf("GetModelProbabilities(1) = %v, want {3: 1}", probs)
	}

	empty, err := h.GetModelProbabilities(ctx, 5)
	if err != nil {
		t.Fatalf("GetModelProbabilities() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("GetModelProbabilities(5) = %v, want empty", empty)
	}
}

func TestModelProbabilitiesNormalized(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	particles := append(testPop(0, 2), testPop(1, 2)...)
	particles[0].Weight = 1
	particles[1].Weight = 2
	particles[2].Weight = 3
	particles[3].Weight = 6
	if err := h.AppendPopulation(ctx, 0, .5, particles, 7, []string{"m0", "m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	probs, err := h.GetModelProbabilities(ctx, 0)
	if err != nil {
		t.Fatalf("GetModelProbabilities() error = %v", err)
	}
	if math.Abs(probs[0]-0.25) > 1e-12 || math.Abs(probs[1]-0.75) > 1e-12 {
		t.Errorf("probs = %v, want {0: 0.25, 1: 0.75}", probs)
	}
	if sum := probs[0] + probs[1]; math.Abs(sum-1) > 1e-12 {
		t.Errorf("sum of probabilities = %v, want 1", sum)
	}
}

func TestAllModelProbabilities(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	names := []string{"m0", "m1", "m2", "m3"}
	if err := h.AppendPopulation(ctx, 1, .23, testPop(3, 5), 234, names); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}
	if err := h.AppendPopulation(ctx, 2, .2, testPop(1, 2), 100, names); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	probs, err := h.GetAllModelProbabilities(ctx)
	if err != nil {
		t.Fatalf("GetAllModelProbabilities() error = %v", err)
	}
	want := []ModelProbability{
		{T: 1, M: 3, P: 1},
		{T: 2, M: 1, P: 1},
	}
	if len(probs) != len(want) {
		t.Fatalf("len(probs) = %d, want %d", len(probs), len(want))
	}
	for i, w := range want {
		if probs[i] != w {
			t.Errorf("probs[%d] = %+v, want %+v", i, probs[i], w)
		}
	}
}

func TestWeightedDistances(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	particles := []Particle{
		{Model: 0, Parameters: map[string]float64{"a": 1}, Weight: 1, Distances: []float64{.5}, SumStats: []SumStats{{}}},
		{Model: 1, Parameters: map[string]float64{"a": 2}, Weight: 3, Distances: []float64{.25}, SumStats: []SumStats{{}}},
	}
	if err := h.AppendPopulation(ctx, 0, .5, particles, 4, []string{"m0", "m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	wd, err := h.GetWeightedDistances(ctx, 0)
	if err != nil {
		t.Fatalf("GetWeightedDistances() error = %v", err)
	}
	want := []WeightedDistance{
		{Distance: .5, W: .25},
		{Distance: .25, W: .75},
	}
	if len(wd) != len(want) {
		t.Fatalf("len(wd) = %d, want %d", len(wd), len(want))
	}
	sum := 0.0
	for i, w := range want {
		if math.Abs(wd[i].Distance-w.Distance) > 1e-12 || math.Abs(wd[i].W-w.W) > 1e-12 {
			t.Errorf("wd[%d] = %+v, want %+v", i, wd[i], w)
		}
		sum += wd[i].W
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("sum(weights) = %v, want 1", sum)
	}

	// A particle with several stochastic repeats contributes one entry
	// per sample, each carrying the particle's full weight share.
	multi := []Particle{{
		Model:      0,
		Parameters: map[string]float64{"a": 1},
		Weight:     2,
		Distances:  []float64{.1, .2},
		SumStats:   []SumStats{{}, {}},
	}}
	if err := h.AppendPopulation(ctx, 1, .4, multi, 2, []string{"m0"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}
	wd, err = h.GetWeightedDistances(ctx, 1)
	if err != nil {
		t.Fatalf("GetWeightedDistances() error = %v", err)
	}
	if len(wd) != 2 || wd[0].Distance != .1 || wd[1].Distance != .2 {
		t.Fatalf("wd = %+v, want distances [.1 .2]", wd)
	}
	for i := range wd {
		if wd[i].W != 1 {
			t.Errorf("wd[%d].W = %v, want 1", i, wd[i].W)
		}
	}

	empty, err := h.GetWeightedDistances(ctx, 5)
	if err != nil {
		t.Fatalf("GetWeightedDistances() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("GetWeightedDistances(5) = %+v, want empty", empty)
	}
}

func TestNrModelsAlive(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	particles := append(testPop(0, 2), testPop(4, 3)...)
	if err := h.AppendPopulation(ctx, 0, .5, particles, 5, []string{"m1", "m1", "m1", "m1", "m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	n, err := h.NrModelsAlive(ctx, 0)
	if err != nil {
		t.Fatalf("NrModelsAlive() error = %v", err)
	}
	if n != 2 {
		t.Errorf("NrModelsAlive(0) = %d, want 2", n)
	}

	n, err = h.NrModelsAlive(ctx, 7)
	if err != nil {
		t.Fatalf("NrModelsAlive() error = %v", err)
	}
	if n != 0 {
		t.Errorf("NrModelsAlive(7) = %d, want 0", n)
	}
}

func TestEmptyGroup(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	if err := h.AppendPopulation(ctx, 0, 42, singleParticle(), 2, []string{"m1"}); err != nil {
		t.Fatalf("AppendPopulation() error = %v", err)
	}

	if _, err := h.GetDistribution(ctx, 1, 0); !errors.Is(err, ErrNoParticles) {
		t.Errorf("GetDistribution(1, 0) error = %v, want ErrNoParticles", err)
	}
	if _, _, err := h.GetSumStats(ctx, 0, 3); !errors.Is(err, ErrNoParticles) {
		t.Errorf("GetSumStats(0, 3) error = %v, want ErrNoParticles", err)
	}
}

func TestUninitializedStore(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	err := h.AppendPopulation(ctx, 0, 42, singleParticle(), 2, []string{"m1"})
	if !errors.Is(err, ErrUninitialized) {
		t.Errorf("AppendPopulation() error = %v, want ErrUninitialized", err)
	}
	if _, err := h.ModelNames(ctx); !errors.Is(err, ErrUninitialized) {
		t.Errorf("ModelNames() error = %v, want ErrUninitialized", err)
	}
	if err := h.Done(ctx); !errors.Is(err, ErrUninitialized) {
		t.Errorf("Done() error = %v, want ErrUninitialized", err)
	}

	total, err := h.TotalNrSimulations(ctx)
	if err != nil || total != 0 {
		t.Errorf("TotalNrSimulations() = %d, %v, want 0, nil", total, err)
	}
}

func TestClosedHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history_test.db")
	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}

	if _, err := h.ModelNames(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("ModelNames() after close error = %v, want ErrStoreClosed", err)
	}
}

func TestDone(t *testing.T) {
	h := newTestHistory(t)

	if err := h.Done(context.Background()); err != nil {
		t.Fatalf("Done() error = %v", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.AppendPopulation(ctx, 0, .5, singleParticle(), 1, []string{"m1"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendPopulation() error = %v", err)
		}
	}

	total, err := h.TotalNrSimulations(ctx)
	if err != nil {
		t.Fatalf("TotalNrSimulations() error = %v", err)
	}
	if total != writers {
		t.Errorf("TotalNrSimulations() = %d, want %d (no lost updates)", total, writers)
	}

	dist, err := h.GetDistribution(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetDistribution() error = %v", err)
	}
	if len(dist.Rows) != writers {
		t.Errorf("len(rows) = %d, want %d", len(dist.Rows), writers)
	}
}

// distValue reads one cell of a distribution by column name
func distValue(t *testing.T, dist *Distribution, row int, name string) float64 {
	t.Helper()
	for j, n := range dist.Names {
		if n == name {
			return dist.Rows[row][j]
		}
	}
	t.Fatalf("column %q not in %v", name, dist.Names)
	return 0
}
