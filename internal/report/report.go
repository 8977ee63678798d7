// Package report carries run progress. Stages emit immutable events; a
// single collector aggregates them into the end-of-run summary.
package report

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Kind classifies a progress event.
type Kind string

const (
	KindDiscovered Kind = "discovered"
	KindProcessed  Kind = "processed"
	KindFailed     Kind = "failed"
	KindSkipped    Kind = "skipped"
	KindApplied    Kind = "applied"
	KindCheckpoint Kind = "checkpoint"
)

// Event is one progress notification. Events are values and never mutated
// after publication.
type Event struct {
	Kind   Kind
	Path   string
	Reason string
	At     time.Time
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than stalling the pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Summary is the aggregate outcome of one run.
type Summary struct {
	Discovered int
	Processed  int
	Applied    int
	Skipped    int
	Failed     map[string]int
}

// FailedTotal sums failures across reasons.
func (s Summary) FailedTotal() int {
	total := 0
	for _, n := range s.Failed {
		total += n
	}
	return total
}

// Collector is the single aggregation sink for a run.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{Failed: make(map[string]int)}}
}

// Observe folds one event into the counters.
func (c *Collector) Observe(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case KindDiscovered:
		c.summary.Discovered++
	case KindProcessed:
		c.summary.Processed++
	case KindApplied:
		c.summary.Applied++
	case KindSkipped:
		c.summary.Skipped++
	case KindFailed:
		reason := ev.Reason
		if reason == "" {
			reason = "unknown"
		}
		c.summary.Failed[reason]++
	}
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.summary
	out.Failed = make(map[string]int, len(c.summary.Failed))
	for k, v := range c.summary.Failed {
		out.Failed[k] = v
	}
	return out
}

// Render writes the run summary as a table, failures grouped by reason.
func Render(w io.Writer, s Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"metric", "count"})
	t.AppendRow(table.Row{"discovered", s.Discovered})
	t.AppendRow(table.Row{"processed", s.Processed})
	t.AppendRow(table.Row{"applied", s.Applied})
	t.AppendRow(table.Row{"skipped", s.Skipped})
	t.AppendRow(table.Row{"failed", s.FailedTotal()})

	if len(s.Failed) > 0 {
		reasons := make([]string, 0, len(s.Failed))
		for reason := range s.Failed {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		t.AppendSeparator()
		for _, reason := range reasons {
			t.AppendRow(table.Row{"failed: " + reason, s.Failed[reason]})
		}
	}
	t.Render()
}
