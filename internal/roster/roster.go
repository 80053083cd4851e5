// Package roster keeps a live, ordered view of all assessment records.
package roster

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/remote"
)

// Roster is the operator's view of the record set, ordered by last update,
// newest first. Records without a timestamp sort last. It is safe for
// concurrent use.
type Roster struct {
	mu      sync.RWMutex
	records map[domain.Handle]domain.Record
	// deleted remembers the last timestamp seen for removed handles so a
	// late update cannot resurrect them.
	deleted map[domain.Handle]time.Time
	sorted  []domain.Record
	focus   domain.Handle
}

// New returns an empty roster.
func New() *Roster {
	return &Roster{
		records: make(map[domain.Handle]domain.Record),
		deleted: make(map[domain.Handle]time.Time),
	}
}

// Apply merges one change event. It reports whether the roster changed.
//
// Inserts and updates are upserts keyed by handle: an update for an unknown
// handle inserts it, and an event older than the held record is ignored, so
// out-of-order delivery converges on the newest state. Deleting an unknown
// handle is a no-op.
func (r *Roster) Apply(ev remote.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case remote.EventInsert, remote.EventUpdate:
		if ev.New == nil {
			return false
		}
		return r.upsertLocked(*ev.New)
	case remote.EventDelete:
		h := ev.Handle()
		if h.IsZero() {
			return false
		}
		if ev.Old != nil && !ev.Old.UpdatedAt.IsZero() {
			if t, ok := r.deleted[h]; !ok || ev.Old.UpdatedAt.After(t) {
				r.deleted[h] = ev.Old.UpdatedAt
			}
		}
		if _, ok := r.records[h]; !ok {
			return false
		}
		delete(r.records, h)
		if r.focus == h {
			r.focus = 0
		}
		r.resortLocked()
		return true
	default:
		return false
	}
}

func (r *Roster) upsertLocked(rec domain.Record) bool {
	if rec.Handle.IsZero() {
		return false
	}
	if t, ok := r.deleted[rec.Handle]; ok && !rec.UpdatedAt.After(t) {
		return false
	}
	if held, ok := r.records[rec.Handle]; ok {
		if rec.UpdatedAt.Before(held.UpdatedAt) {
			return false
		}
		if recordsEqual(held, rec) {
			return false
		}
	}
	r.records[rec.Handle] = cloneRecord(rec)
	r.resortLocked()
	return true
}

// Load replaces the roster with a fresh listing. A held record newer than its
// listed version is kept; records absent from the listing are dropped.
func (r *Roster) Load(records []domain.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[domain.Handle]domain.Record, len(records))
	for _, rec := range records {
		if rec.Handle.IsZero() {
			continue
		}
		if t, ok := r.deleted[rec.Handle]; ok && !rec.UpdatedAt.After(t) {
			continue
		}
		if held, ok := r.records[rec.Handle]; ok && held.UpdatedAt.After(rec.UpdatedAt) {
			rec = held
		}
		next[rec.Handle] = cloneRecord(rec)
	}
	r.records = next
	if _, ok := r.records[r.focus]; !ok {
		r.focus = 0
	}
	r.resortLocked()
}

func (r *Roster) resortLocked() {
	out := make([]domain.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, compareRecords)
	r.sorted = out
}

func compareRecords(a, b domain.Record) int {
	switch {
	case a.UpdatedAt.IsZero() && !b.UpdatedAt.IsZero():
		return 1
	case !a.UpdatedAt.IsZero() && b.UpdatedAt.IsZero():
		return -1
	}
	if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
		return c
	}
	switch {
	case a.Handle > b.Handle:
		return -1
	case a.Handle < b.Handle:
		return 1
	}
	return 0
}

// Items returns the ordered records.
func (r *Roster) Items() []domain.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Record, len(r.sorted))
	for i, rec := range r.sorted {
		out[i] = cloneRecord(rec)
	}
	return out
}

// Len returns the number of records.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Get returns the record with handle.
func (r *Roster) Get(h domain.Handle) (domain.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[h]
	return cloneRecord(rec), ok
}

// Filter returns the ordered records whose participant name contains term,
// case-insensitively. An empty term matches everything.
func (r *Roster) Filter(term string) []domain.Record {
	term = strings.ToLower(strings.TrimSpace(term))
	items := r.Items()
	if term == "" {
		return items
	}
	out := items[:0]
	for _, rec := range items {
		if strings.Contains(strings.ToLower(rec.Participant), term) {
			out = append(out, rec)
		}
	}
	return out
}

// Focus selects the record shown in the detail view. It reports false when
// the handle is not in the roster.
func (r *Roster) Focus(h domain.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[h]; !ok {
		return false
	}
	r.focus = h
	return true
}

// Focused returns the current state of the focused record.
func (r *Roster) Focused() (domain.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.focus.IsZero() {
		return domain.Record{}, false
	}
	rec, ok := r.records[r.focus]
	return cloneRecord(rec), ok
}

// ClearFocus deselects the detail view.
func (r *Roster) ClearFocus() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focus = 0
}

// Stats summarizes the roster for the dashboard header.
type Stats struct {
	Total        int `json:"total"`
	Certified    int `json:"certified"`
	Passed       int `json:"passed"`
	AverageScore int `json:"avg_score"`
}

// Stats computes totals over every record.
func (r *Roster) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ComputeStats(r.sorted)
}

// ComputeStats summarizes records. Passed counts 80..99; certified counts 100.
func ComputeStats(records []domain.Record) Stats {
	var s Stats
	sum := 0
	for _, rec := range records {
		s.Total++
		sum += rec.Score
		switch {
		case rec.Score >= domain.MaxScore:
			s.Certified++
		case rec.Score >= domain.PassingScore:
			s.Passed++
		}
	}
	if s.Total > 0 {
		s.AverageScore = int(math.Round(float64(sum) / float64(s.Total)))
	}
	return s
}

func recordsEqual(a, b domain.Record) bool {
	return a.Handle == b.Handle &&
		a.Participant == b.Participant &&
		a.Score == b.Score &&
		a.Status == b.Status &&
		a.Language == b.Language &&
		a.Feedback() == b.Feedback() &&
		(a.LastFeedback == nil) == (b.LastFeedback == nil) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func cloneRecord(r domain.Record) domain.Record {
	if r.LastFeedback != nil {
		v := *r.LastFeedback
		r.LastFeedback = &v
	}
	return r
}
