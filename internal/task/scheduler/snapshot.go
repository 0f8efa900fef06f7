package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	out := Snapshot{
		Enabled:         cfg.Enabled,
		Tick:            cfg.Tick,
		DispatchTimeout: cfg.DispatchTimeout,
		Running:         s.sup != nil,
		LastTick:        s.last,
	}
	if s.lastErr != nil {
		out.LastErr = s.lastErr.Error()
	}
	s.mu.Unlock()

	now := s.now()
	s.dmu.Lock()
	for _, d := range s.delivered {
		if now.Sub(d.at) > cfg.Tick {
			out.Stalled++
		}
	}
	s.dmu.Unlock()
	return out
}
