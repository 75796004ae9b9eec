package store

import "context"

const defaultWindowSize = 20

// outcomeWindow is a fixed-size ring of the most recent request outcomes
// for one endpoint, newest at the tail.
type outcomeWindow struct {
	outcomes []bool
	hydrated bool
}

// RecentOutcomes returns up to n success flags for the endpoint in
// chronological order. The window lives in memory and is hydrated from the
// request log once per process lifetime, so the detector's failure-rate
// signal stays off the database hot path.
func (s *Store) RecentOutcomes(ctx context.Context, endpointID int64, n int) ([]bool, error) {
	if s == nil {
		return nil, nil
	}

	if n <= 0 {
		n = s.windowCap()
	}

	s.windowMu.Lock()
	window, ok := s.windows[endpointID]
	hydrated := ok && window.hydrated
	s.windowMu.Unlock()

	if !hydrated {
		entries, err := s.RecentRequests(ctx, endpointID, s.windowCap())
		if err != nil {
			return nil, err
		}
		s.windowMu.Lock()
		window, ok = s.windows[endpointID]
		if !ok {
			window = &outcomeWindow{}
			s.windows[endpointID] = window
		}
		if !window.hydrated {
			seeded := make([]bool, 0, len(entries))
			for _, entry := range entries {
				seeded = append(seeded, entry.Success)
			}
			// Outcomes pushed before hydration were committed to the log
			// first, so the log rows already include them.
			window.outcomes = trimWindow(seeded, s.windowCap())
			window.hydrated = true
		}
		s.windowMu.Unlock()
	}

	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	window = s.windows[endpointID]
	if window == nil {
		return nil, nil
	}

	outcomes := window.outcomes
	if len(outcomes) > n {
		outcomes = outcomes[len(outcomes)-n:]
	}

	result := make([]bool, len(outcomes))
	copy(result, outcomes)
	return result, nil
}

func (s *Store) pushOutcome(endpointID int64, success bool) {
	if s == nil {
		return
	}

	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	window, ok := s.windows[endpointID]
	if !ok {
		window = &outcomeWindow{}
		s.windows[endpointID] = window
	}

	window.outcomes = trimWindow(append(window.outcomes, success), s.windowCap())
}

func (s *Store) windowCap() int {
	if s != nil && s.windowSize > 0 {
		return s.windowSize
	}
	return defaultWindowSize
}

func trimWindow(outcomes []bool, capacity int) []bool {
	if len(outcomes) <= capacity {
		return outcomes
	}
	trimmed := make([]bool, capacity)
	copy(trimmed, outcomes[len(outcomes)-capacity:])
	return trimmed
}
