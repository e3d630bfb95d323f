package mqtt

import "log/slog"

// bufferedMsg is a publication held back while the broker is unreachable.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	// latest marks a message that supersedes any earlier latest message on
	// the same topic, such as a state snapshot.
	latest bool
}

// outbox queues publications during an outage, oldest first. When full the
// oldest message is dropped. A latest message replaces its queued
// predecessor and moves to the back, so a long outage replays one state
// snapshot rather than one per interval. Not safe for concurrent use.
type outbox struct {
	msgs     []bufferedMsg
	capacity int
	dropped  int
	logger   *slog.Logger
}

func newOutbox(capacity int, logger *slog.Logger) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &outbox{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

func (o *outbox) push(msg bufferedMsg) {
	if msg.latest {
		for i, m := range o.msgs {
			if m.latest && m.topic == msg.topic {
				o.msgs = append(o.msgs[:i], o.msgs[i+1:]...)
				break
			}
		}
	}
	if len(o.msgs) == o.capacity {
		if o.dropped == 0 {
			o.logger.Warn("mqtt outbox full, dropping oldest", "capacity", o.capacity)
		}
		o.dropped++
		o.msgs = append(o.msgs[:0], o.msgs[1:]...)
	}
	o.msgs = append(o.msgs, msg)
}

// drain empties the outbox and returns its messages with the number dropped
// since the previous drain.
func (o *outbox) drain() ([]bufferedMsg, int) {
	dropped := o.dropped
	o.dropped = 0
	if len(o.msgs) == 0 {
		return nil, dropped
	}
	out := make([]bufferedMsg, len(o.msgs))
	copy(out, o.msgs)
	o.msgs = o.msgs[:0]
	return out, dropped
}

func (o *outbox) len() int {
	return len(o.msgs)
}
