package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	jobs := make(map[string]*activeJob, len(s.jobs))
	for id, j := range s.jobs {
		jobs[id] = j
	}
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	s.tmu.Lock()
	pending := len(s.timers)
	s.tmu.Unlock()

	items := make([]JobInfo, 0, len(jobs))
	for id, j := range jobs {
		e := c.Entry(j.entryID)
		j.state.mu.Lock()
		it := JobInfo{
			ID:               id,
			Schedule:         j.state.def.Schedule,
			Next:             e.Next,
			Prev:             e.Prev,
			RemainingRetries: j.state.remaining,
			Running:          j.state.inflight,
		}
		j.state.mu.Unlock()
		items = append(items, it)
	}
	sort.Slice(items, func(a, b int) bool { return items[a].ID < items[b].ID })

	return Snapshot{
		Timezone:       loc.String(),
		Overlap:        string(s.cfg.Overlap),
		Jobs:           items,
		PendingRetries: pending,
	}
}
