package monitor

import (
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// modelStats is the mutable per-model state. Guarded by Monitor.mu.
type modelStats struct {
	name          string
	state         model.ModelState
	requests      int64
	errors        int64
	successTime   float64
	successCount  int64
	firstSuccess  *time.Time
	lastSeen      time.Time
	responseTimes []float64

	// window is a ring of the last len(window) outcomes, true meaning failure.
	window        []bool
	windowLen     int
	windowPos     int
	windowErrors  int
	healthyStreak int
	idle          bool
}

func newModelStats(name string, window int) *modelStats {
	return &modelStats{
		name:   name,
		state:  model.ModelStateUnseen,
		window: make([]bool, window),
	}
}

func (s *modelStats) observe(now time.Time, success bool, secs float64, cfg Config) {
	s.requests++
	s.lastSeen = now
	s.idle = false
	if success {
		s.successTime += secs
		s.successCount++
		s.responseTimes = pushFloat(s.responseTimes, secs, modelResponseTimes)
		if s.firstSuccess == nil {
			t := now
			s.firstSuccess = &t
		}
	} else {
		s.errors++
	}
	s.push(!success)

	rate := s.rollingErrorRate()
	threshold := cfg.Thresholds.ErrorRate
	switch s.state {
	case model.ModelStateUnseen:
		s.state = model.ModelStateActive
		if s.windowLen >= cfg.MinObservations && rate > threshold {
			s.state = model.ModelStateDegraded
		}
	case model.ModelStateActive:
		if s.windowLen >= cfg.MinObservations && rate > threshold {
			s.state = model.ModelStateDegraded
			s.healthyStreak = 0
		}
	case model.ModelStateDegraded:
		if rate < threshold {
			s.healthyStreak++
		} else {
			s.healthyStreak = 0
		}
		if s.healthyStreak >= cfg.RecoveryObservations {
			s.state = model.ModelStateActive
			s.healthyStreak = 0
		}
	}
}

func (s *modelStats) push(failed bool) {
	if s.windowLen == len(s.window) {
		if s.window[s.windowPos] {
			s.windowErrors--
		}
	} else {
		s.windowLen++
	}
	s.window[s.windowPos] = failed
	if failed {
		s.windowErrors++
	}
	s.windowPos = (s.windowPos + 1) % len(s.window)
}

func (s *modelStats) rollingErrorRate() float64 {
	if s.windowLen == 0 {
		return 0
	}
	return float64(s.windowErrors) / float64(s.windowLen)
}

func (s *modelStats) idleAt(now time.Time, after time.Duration) bool {
	return s.requests > 0 && now.Sub(s.lastSeen) > after
}

func (s *modelStats) snapshot(now time.Time, idleAfter time.Duration) model.ModelStatus {
	st := model.ModelStatus{
		ModelName:         s.name,
		State:             s.state,
		RequestCount:      s.requests,
		ErrorCount:        s.errors,
		TotalResponseTime: s.successTime,
		RollingErrorRate:  s.rollingErrorRate(),
		Idle:              s.idleAt(now, idleAfter),
	}
	if s.requests > 0 {
		st.Availability = float64(s.requests-s.errors) / float64(s.requests)
		seen := s.lastSeen.UTC()
		st.LastSeen = &seen
	}
	if s.successCount > 0 {
		st.AvgResponseTime = s.successTime / float64(s.successCount)
	}
	if s.firstSuccess != nil {
		up := now.Sub(*s.firstSuccess).Seconds()
		st.UptimeSeconds = &up
	}
	return st
}
