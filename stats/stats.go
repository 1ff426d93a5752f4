// Package stats counts pool activity with prometheus counters.
//
// A disabled pool carries a nil *Stats; every method is a no-op on nil.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Stats struct {
	reg *prometheus.Registry

	persists         prometheus.Counter
	persistBytes     prometheus.Counter
	logEntries       prometheus.Counter
	logBytes         prometheus.Counter
	commits          prometheus.Counter
	aborts           prometheus.Counter
	recovered        prometheus.Counter
	allocs           prometheus.Counter
	frees            prometheus.Counter
	borrowViolations prometheus.Counter
	ops              *prometheus.CounterVec
}

func counter(reg *prometheus.Registry, name string, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pmem",
		Name:      name,
		Help:      help,
	})
	reg.MustRegister(c)
	return c
}

// New returns nil unless enabled.
func New(enabled bool) *Stats {
	if !enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pmem",
		Name:      "flush_ops_total",
		Help:      "Region primitives issued by the flush backend.",
	}, []string{"op"})
	reg.MustRegister(ops)
	return &Stats{
		reg:              reg,
		persists:         counter(reg, "persists_total", "Persist calls."),
		persistBytes:     counter(reg, "persist_bytes_total", "Bytes made durable, rounded to cache lines."),
		logEntries:       counter(reg, "log_entries_total", "Undo log entries appended."),
		logBytes:         counter(reg, "log_bytes_total", "Undo log bytes appended."),
		commits:          counter(reg, "commits_total", "Committed transactions."),
		aborts:           counter(reg, "aborts_total", "Aborted transactions."),
		recovered:        counter(reg, "recovered_total", "Transactions replayed by recovery."),
		allocs:           counter(reg, "allocs_total", "Chunks allocated."),
		frees:            counter(reg, "frees_total", "Chunks freed."),
		borrowViolations: counter(reg, "borrow_violations_total", "Rejected borrows."),
		ops:              ops,
	}
}

func (s *Stats) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.reg
}

func (s *Stats) Persist(n uint64) {
	if s == nil {
		return
	}
	s.persists.Inc()
	s.persistBytes.Add(float64(n))
}

func (s *Stats) FlushOp(op string) {
	if s == nil {
		return
	}
	s.ops.WithLabelValues(op).Inc()
}

func (s *Stats) LogEntry(n uint64) {
	if s == nil {
		return
	}
	s.logEntries.Inc()
	s.logBytes.Add(float64(n))
}

func (s *Stats) Commit() {
	if s == nil {
		return
	}
	s.commits.Inc()
}

func (s *Stats) Abort() {
	if s == nil {
		return
	}
	s.aborts.Inc()
}

func (s *Stats) Recovered(n int) {
	if s == nil {
		return
	}
	s.recovered.Add(float64(n))
}

func (s *Stats) Alloc() {
	if s == nil {
		return
	}
	s.allocs.Inc()
}

func (s *Stats) Free() {
	if s == nil {
		return
	}
	s.frees.Inc()
}

func (s *Stats) BorrowViolation() {
	if s == nil {
		return
	}
	s.borrowViolations.Inc()
}

// Snapshot returns the current value of every counter, keyed by metric
// name (with the op label appended for flush ops).
func (s *Stats) Snapshot() (map[string]float64, error) {
	out := make(map[string]float64)
	if s == nil {
		return out, nil
	}
	mfs, err := s.reg.Gather()
	if err != nil {
		return nil, err
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += "." + l.GetValue()
			}
			out[name] = m.GetCounter().GetValue()
		}
	}
	return out, nil
}
