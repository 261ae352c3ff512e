package health

import "time"

// event is one recorded call outcome.
type event struct {
	at      time.Time
	ok      bool
	latency time.Duration
}

// windowStats aggregates the events inside the trailing window.
type windowStats struct {
	total      int
	failures   int
	successes  int
	latencySum time.Duration
}

func (w windowStats) errorRate() float64 {
	if w.total == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.total)
}

// avgLatency averages successful calls only. No successes yields zero.
func (w windowStats) avgLatency() time.Duration {
	if w.successes == 0 {
		return 0
	}
	return w.latencySum / time.Duration(w.successes)
}

// slidingWindow keeps timestamped outcomes for a fixed span. It is not safe
// for concurrent use; the owning dependency serializes access.
type slidingWindow struct {
	span   time.Duration
	events []event
}

func (s *slidingWindow) add(e event) {
	s.prune(e.at)
	s.events = append(s.events, e)
}

// prune drops events that can no longer fall inside the window.
func (s *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-s.span)
	i := 0
	for i < len(s.events) && !s.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		s.events = append(s.events[:0], s.events[i:]...)
	}
}

// stats aggregates only events newer than now-span, whether or not they
// have been pruned yet.
func (s *slidingWindow) stats(now time.Time) windowStats {
	cutoff := now.Add(-s.span)
	var w windowStats
	for _, e := range s.events {
		if !e.at.After(cutoff) {
			continue
		}
		w.total++
		if e.ok {
			w.successes++
			w.latencySum += e.latency
		} else {
			w.failures++
		}
	}
	return w
}
