package metrics

import (
	"sort"
	"sync"
)

// Values is the read side handed to derived-metric closures. Derived
// metrics must read the fully aggregated sums, never per-worker values,
// so every ratio comes out as a ratio of sums.
type Values interface {
	// ScalarSum returns the accumulated sum of a scalar meter, 0 when the
	// meter was never logged.
	ScalarSum(name string) float64

	// AUC returns the pooled AUC meter for a name, nil when absent.
	AUC(name string) *AUCMeter
}

// Derived computes a metric lazily from already-aggregated meters at
// snapshot time.
type Derived func(v Values) float64

// Sink is the surface a criterion's metric reduction writes to.
type Sink interface {
	// LogScalar accumulates value (weighted) onto the named meter.
	// round controls display rounding; NoRound leaves the value as-is.
	LogScalar(name string, value, weight float64, round int)

	// LogAUC appends score/target pairs onto the named AUC meter.
	LogAUC(name string, scores, targets []float64)

	// LogDerived registers a lazily computed metric.
	LogDerived(name string, fn Derived)
}

// Registry is the in-process metrics sink: scalar meters accumulate
// monotonically within a logging interval, derived metrics read them back
// at snapshot time.
type Registry struct {
	mu      sync.Mutex
	scalars map[string]*ScalarMeter
	aucs    map[string]*AUCMeter
	derived map[string]Derived
}

func NewRegistry() *Registry {
	return &Registry{
		scalars: make(map[string]*ScalarMeter),
		aucs:    make(map[string]*AUCMeter),
		derived: make(map[string]Derived),
	}
}

func (r *Registry) LogScalar(name string, value, weight float64, round int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meter, ok := r.scalars[name]
	if !ok {
		meter = NewScalarMeter(round)
		r.scalars[name] = meter
	}
	meter.Update(value, weight)
}

func (r *Registry) LogAUC(name string, scores, targets []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meter, ok := r.aucs[name]
	if !ok {
		meter = NewAUCMeter()
		r.aucs[name] = meter
	}
	meter.Update(scores, targets)
}

func (r *Registry) LogDerived(name string, fn Derived) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.derived[name] = fn
}

func (r *Registry) ScalarSum(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if meter, ok := r.scalars[name]; ok {
		return meter.Sum
	}
	return 0
}

func (r *Registry) AUC(name string) *AUCMeter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aucs[name]
}

// Snapshot resolves every meter to a display value: scalar meters to their
// rounded weighted average, derived metrics by invoking their closure
// against the aggregated sums.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.Lock()
	names := make([]string, 0, len(r.scalars))
	for name := range r.scalars {
		names = append(names, name)
	}
	derivedNames := make([]string, 0, len(r.derived))
	for name := range r.derived {
		derivedNames = append(derivedNames, name)
	}
	r.mu.Unlock()

	out := make(map[string]float64, len(names)+len(derivedNames))
	r.mu.Lock()
	for _, name := range names {
		meter := r.scalars[name]
		out[name] = SafeRound(meter.Avg(), meter.Round)
	}
	fns := make(map[string]Derived, len(derivedNames))
	for _, name := range derivedNames {
		fns[name] = r.derived[name]
	}
	r.mu.Unlock()

	// Derived closures read back through the registry; run them unlocked.
	for name, fn := range fns {
		out[name] = fn(r)
	}
	return out
}

// Names returns the sorted set of meter names currently registered.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.scalars)+len(r.derived))
	for name := range r.scalars {
		names = append(names, name)
	}
	for name := range r.derived {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears all meters at a logging boundary. Derived registrations are
// dropped too; the next reduction re-registers them.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scalars = make(map[string]*ScalarMeter)
	r.aucs = make(map[string]*AUCMeter)
	r.derived = make(map[string]Derived)
}
