// Package availability computes merged busy/free intervals over one or
// more calendar links for scheduling queries.
package availability

import (
	"context"
	"sort"
	"time"

	"github.com/taskmirror/calsync/internal"
)

// Interval is a half-open [Start, End) time range.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// WorkingHours bounds the free complement to a daily span, expressed
// as offsets from local midnight. The zero value means unbounded.
type WorkingHours struct {
	Start time.Duration
	End   time.Duration
}

func (w WorkingHours) bounded() bool {
	return w.End > w.Start
}

type Storage interface {
	TasksInWindow(ctx context.Context, linkIDs []int64, from, to time.Time) ([]*internal.Task, error)
}

type Resolver struct {
	storage Storage

	Hours WorkingHours
}

func NewResolver(storage Storage) *Resolver {
	return &Resolver{storage: storage}
}

// FreeBusy returns the union of busy time across the given links
// within [from, to), as a sorted, non-overlapping interval sequence.
// Intervals touching the window boundary are clipped, not dropped.
func (r *Resolver) FreeBusy(ctx context.Context, linkIDs []int64, from, to time.Time) ([]Interval, error) {
	if !from.Before(to) || len(linkIDs) == 0 {
		return nil, nil
	}
	tasks, err := r.storage.TasksInWindow(ctx, linkIDs, from, to)
	if err != nil {
		return nil, err
	}

	busy := make([]Interval, 0, len(tasks))
	for _, t := range tasks {
		iv := clip(Interval{Start: t.StartsAt, End: t.EndsAt}, from, to)
		if iv.Start.Before(iv.End) {
			busy = append(busy, iv)
		}
	}
	return merge(busy), nil
}

// CommonFree returns the gaps of at least minDuration inside [from, to)
// that overlap no busy interval of any given link, bounded by the
// configured working hours. With zero calendars the whole window is
// free.
func (r *Resolver) CommonFree(ctx context.Context, linkIDs []int64, from, to time.Time, minDuration time.Duration) ([]Interval, error) {
	if !from.Before(to) {
		return nil, nil
	}
	busy, err := r.FreeBusy(ctx, linkIDs, from, to)
	if err != nil {
		return nil, err
	}

	var free []Interval
	for _, span := range r.spans(from, to) {
		free = append(free, complement(busy, span)...)
	}
	if minDuration > 0 {
		n := free[:0]
		for _, iv := range free {
			if iv.Duration() >= minDuration {
				n = append(n, iv)
			}
		}
		free = n
	}
	return free, nil
}

// spans cuts the query window into the daily sub-windows allowed by
// the working hours, or returns the window itself when unbounded.
func (r *Resolver) spans(from, to time.Time) []Interval {
	if !r.Hours.bounded() {
		return []Interval{{Start: from, End: to}}
	}

	var spans []Interval
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for day.Before(to) {
		span := clip(Interval{
			Start: day.Add(r.Hours.Start),
			End:   day.Add(r.Hours.End),
		}, from, to)
		if span.Start.Before(span.End) {
			spans = append(spans, span)
		}
		day = day.AddDate(0, 0, 1)
	}
	return spans
}

func clip(iv Interval, from, to time.Time) Interval {
	if iv.Start.Before(from) {
		iv.Start = from
	}
	if iv.End.After(to) {
		iv.End = to
	}
	return iv
}

// merge sorts by start (ties by end ascending) and folds overlapping
// or adjacent intervals into a strictly increasing sequence.
func merge(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool {
		if ivs[i].Start.Equal(ivs[j].Start) {
			return ivs[i].End.Before(ivs[j].End)
		}
		return ivs[i].Start.Before(ivs[j].Start)
	})

	merged := []Interval{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if iv.Start.After(last.End) {
			merged = append(merged, iv)
			continue
		}
		if iv.End.After(last.End) {
			last.End = iv.End
		}
	}
	return merged
}

// complement returns the gaps of span not covered by busy, which must
// be sorted and non-overlapping.
func complement(busy []Interval, span Interval) []Interval {
	var free []Interval
	cur := span.Start
	for _, b := range busy {
		if !b.End.After(span.Start) || !b.Start.Before(span.End) {
			continue
		}
		if b.Start.After(cur) {
			free = append(free, Interval{Start: cur, End: b.Start})
		}
		if b.End.After(cur) {
			cur = b.End
		}
	}
	if cur.Before(span.End) {
		free = append(free, Interval{Start: cur, End: span.End})
	}
	return free
}
