// Package retry tracks per-item failure counts and re-arms whole sync
// cycles with exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	// maxRetryShift caps the bit-shift exponent so the delay cannot
	// overflow time.Duration.
	maxRetryShift = 30
)

// Entry is a queued retry: the cycle may run again once NotBefore passes.
type Entry struct {
	ItemID    string
	NotBefore time.Time
}

// Decision describes what RecordFailure did with a failed item.
type Decision struct {
	Attempt   int
	Delay     time.Duration
	Scheduled bool
}

// Scheduler owns the retry map and the queue of pending retries.
type Scheduler struct {
	base       time.Duration
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	attempts  map[string]int
	queue     []Entry
	exhausted []string

	// wake is signalled whenever the queue head may have moved.
	wake chan struct{}
}

// New creates a scheduler with delay = base * 2^attempt.
func New(base time.Duration, maxRetries int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		base:       base,
		maxRetries: maxRetries,
		logger:     logger.With(slog.String("component", "retry")),
		now:        time.Now,
		attempts:   make(map[string]int),
		wake:       make(chan struct{}, 1),
	}
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

// Delay returns the backoff before retry number attempt (0-based).
func (s *Scheduler) Delay(attempt int) time.Duration {
	shift := min(max(attempt, 0), maxRetryShift)
	return s.base * time.Duration(1<<shift)
}

// RecordFailure counts a failure for itemID. While the count stays
// below maxRetries a retry is queued after an exponentially growing
// delay. Reaching maxRetries drops the item from the map and marks it
// as a terminal failure.
func (s *Scheduler) RecordFailure(itemID string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Terminal items stay terminal until RecordSuccess.
	if slices.Contains(s.exhausted, itemID) {
		return Decision{Attempt: s.maxRetries}
	}

	prior := s.attempts[itemID]
	attempt := prior + 1

	if attempt >= s.maxRetries {
		delete(s.attempts, itemID)
		s.removeQueued(itemID)

		if !slices.Contains(s.exhausted, itemID) {
			s.exhausted = append(s.exhausted, itemID)
		}

		s.logger.Warn("retry budget exhausted",
			slog.String("item", itemID),
			slog.Int("attempts", attempt),
		)

		return Decision{Attempt: attempt}
	}

	s.attempts[itemID] = attempt
	delay := s.Delay(prior)
	s.removeQueued(itemID)
	s.queue = append(s.queue, Entry{ItemID: itemID, NotBefore: s.now().Add(delay)})
	s.signal()

	s.logger.Debug("retry scheduled",
		slog.String("item", itemID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)

	return Decision{Attempt: attempt, Delay: delay, Scheduled: true}
}

// MarkTerminal records itemID as failed without retrying it. Used for
// permanent errors that no backoff will fix.
func (s *Scheduler) MarkTerminal(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, itemID)
	s.removeQueued(itemID)

	if !slices.Contains(s.exhausted, itemID) {
		s.exhausted = append(s.exhausted, itemID)
	}
}

// RecordSuccess clears all bookkeeping for itemID.
func (s *Scheduler) RecordSuccess(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, itemID)
	s.removeQueued(itemID)
	s.exhausted = slices.DeleteFunc(s.exhausted, func(id string) bool { return id == itemID })
}

// Attempts returns the current failure count for itemID.
func (s *Scheduler) Attempts(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts[itemID]
}

// Exhausted lists items whose retry budget ran out.
func (s *Scheduler) Exhausted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.exhausted)
}

// Queued returns a snapshot of pending retries ordered by NotBefore.
func (s *Scheduler) Queued() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := slices.Clone(s.queue)
	slices.SortFunc(out, func(a, b Entry) int { return a.NotBefore.Compare(b.NotBefore) })

	return out
}

// Next returns the earliest NotBefore in the queue.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next()
}

// PopDue removes and returns every entry due at now.
func (s *Scheduler) PopDue(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry

	s.queue = slices.DeleteFunc(s.queue, func(e Entry) bool {
		if !e.NotBefore.After(now) {
			due = append(due, e)
			return true
		}

		return false
	})

	return due
}

// Run drives the queue: whenever an entry comes due, trigger is called
// once for all entries due at that moment. Blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context, trigger func()) error {
	for {
		var timerC <-chan time.Time

		var timer *time.Timer

		if at, ok := s.Next(); ok {
			s.mu.Lock()
			wait := at.Sub(s.now())
			s.mu.Unlock()

			timer = time.NewTimer(max(wait, 0))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return ctx.Err()

		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}

		case <-timerC:
			s.mu.Lock()
			now := s.now()
			s.mu.Unlock()

			if due := s.PopDue(now); len(due) > 0 {
				s.logger.Info("retrying sync cycle", slog.Int("items", len(due)))
				trigger()
			}
		}
	}
}

func (s *Scheduler) next() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}

	earliest := s.queue[0].NotBefore
	for _, e := range s.queue[1:] {
		if e.NotBefore.Before(earliest) {
			earliest = e.NotBefore
		}
	}

	return earliest, true
}

func (s *Scheduler) removeQueued(itemID string) {
	s.queue = slices.DeleteFunc(s.queue, func(e Entry) bool { return e.ItemID == itemID })
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
