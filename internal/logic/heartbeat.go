package logic

import "time"

// Heartbeat decides when a periodic status report is due.
type Heartbeat struct {
	startTime time.Time
	last      time.Time
}

// NewHeartbeat starts the schedule at startTime.
func NewHeartbeat(startTime time.Time) *Heartbeat {
	return &Heartbeat{startTime: startTime, last: startTime}
}

// Check returns heartbeat data if interval has elapsed since the previous
// report, nil otherwise. An interval of zero disables heartbeats.
func (h *Heartbeat) Check(now time.Time, interval time.Duration, counts Counts) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	if now.Sub(h.last) < interval {
		return nil
	}
	h.last = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(h.startTime),
		Counts:    counts,
	}
}
