// Package progress defines the reporter the chunker and converter passes
// advance as they work. Callers inject a Reporter; nothing in the core holds
// a global progress bar.
package progress

import (
	"sync"
	"time"

	"dumpflat/internal/metrics"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Unit tells a reporter how to render amounts.
type Unit uint8

const (
	// Items counts discrete things (chunk files, records).
	Items Unit = iota
	// Bytes counts bytes consumed.
	Bytes
)

// Reporter receives progress for one stage at a time.
//
// Start opens a stage; total may be 0 when unknown. Advance adds n to the
// running amount. Finish closes the stage.
type Reporter interface {
	Start(stage string, unit Unit, total int64)
	Advance(n int64)
	Finish()
}

// Update is a point-in-time view handed to Func reporters.
type Update struct {
	Stage    string
	Unit     Unit
	Current  int64
	Total    int64
	Finished bool
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (u Update) Percent() float64 {
	if u.Total <= 0 {
		return -1
	}
	p := float64(u.Current) * 100 / float64(u.Total)
	if p > 100 {
		p = 100
	}
	return p
}

// Format renders an amount in the update's unit.
func (u Update) Format(n int64) string {
	if u.Unit == Bytes {
		if n < 0 {
			n = 0
		}
		return humanize.IBytes(uint64(n))
	}
	return humanize.Comma(n)
}

// Nop discards progress.
type Nop struct{}

func (Nop) Start(string, Unit, int64) {}
func (Nop) Advance(int64)             {}
func (Nop) Finish()                   {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Reporter) Reporter {
	if r == nil {
		return Nop{}
	}
	return r
}

// state tracks the running stage for the stateful reporters below.
type state struct {
	mu  sync.Mutex
	cur Update
}

func (s *state) start(stage string, unit Unit, total int64) Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = Update{Stage: stage, Unit: unit, Total: total}
	return s.cur
}

func (s *state) advance(n int64) Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Current += n
	return s.cur
}

func (s *state) finish() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Finished = true
	return s.cur
}

type funcReporter struct {
	state
	fn func(Update)
}

// Func adapts fn into a Reporter that is called on every change.
func Func(fn func(Update)) Reporter {
	return &funcReporter{fn: fn}
}

func (f *funcReporter) Start(stage string, unit Unit, total int64) { f.fn(f.start(stage, unit, total)) }
func (f *funcReporter) Advance(n int64)                            { f.fn(f.advance(n)) }
func (f *funcReporter) Finish()                                    { f.fn(f.finish()) }

// Log writes throttled progress lines to a zerolog logger: at most one line
// per Every, plus the start and finish of each stage.
type Log struct {
	state
	log   *zerolog.Logger
	every time.Duration
	now   func() time.Time
	last  time.Time
	began time.Time
}

// NewLog returns a Log reporter. every <= 0 defaults to five seconds.
func NewLog(log *zerolog.Logger, every time.Duration) *Log {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Log{log: log, every: every, now: time.Now}
}

func (l *Log) Start(stage string, unit Unit, total int64) {
	u := l.start(stage, unit, total)
	l.mu.Lock()
	l.began = l.now()
	l.last = l.began
	l.mu.Unlock()

	ev := l.log.Info().Str("stage", stage)
	if total > 0 {
		ev = ev.Str("total", u.Format(total))
	}
	ev.Msg("stage started")
}

func (l *Log) Advance(n int64) {
	u := l.advance(n)

	l.mu.Lock()
	now := l.now()
	if now.Sub(l.last) < l.every {
		l.mu.Unlock()
		return
	}
	l.last = now
	l.mu.Unlock()

	ev := l.log.Info().Str("stage", u.Stage).Str("done", u.Format(u.Current))
	if p := u.Percent(); p >= 0 {
		ev = ev.Float64("percent", p)
	}
	ev.Msg("progress")
}

func (l *Log) Finish() {
	u := l.finish()
	l.mu.Lock()
	elapsed := l.now().Sub(l.began)
	l.mu.Unlock()

	l.log.Info().
		Str("stage", u.Stage).
		Str("done", u.Format(u.Current)).
		Dur("elapsed", elapsed.Truncate(time.Millisecond)).
		Msg("stage finished")
}

// Metrics forwards advances to the metrics facade: byte stages feed
// dumpflat_bytes_total, item stages feed dumpflat_records_total.
type Metrics struct {
	state
}

func (m *Metrics) Start(stage string, unit Unit, total int64) { m.start(stage, unit, total) }
func (m *Metrics) Finish()                                    { m.finish() }

func (m *Metrics) Advance(n int64) {
	u := m.advance(n)
	if u.Unit == Bytes {
		metrics.RecordBytes(u.Stage, n)
		return
	}
	metrics.RecordRecords(u.Stage, n)
}

// Multi fans out to every non-nil reporter.
func Multi(rs ...Reporter) Reporter {
	out := make(multi, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multi []Reporter

func (m multi) Start(stage string, unit Unit, total int64) {
	for _, r := range m {
		r.Start(stage, unit, total)
	}
}

func (m multi) Advance(n int64) {
	for _, r := range m {
		r.Advance(n)
	}
}

func (m multi) Finish() {
	for _, r := range m {
		r.Finish()
	}
}
