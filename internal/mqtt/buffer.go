package mqtt

// outMsg is a serialized message waiting for the broker.
type outMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// backlog holds messages while the broker is unreachable. When full it gives
// up button messages (QoS 0) before table and system messages.
// Not safe for concurrent use; the caller must synchronize.
type backlog struct {
	msgs  []outMsg
	limit int
	// Messages given up since the last drain
	dropped int
}

func newBacklog(limit int) *backlog {
	return &backlog{limit: limit}
}

// add queues msg. It reports true for the first message given up since the
// last drain.
func (b *backlog) add(msg outMsg) bool {
	if len(b.msgs) < b.limit {
		b.msgs = append(b.msgs, msg)
		return false
	}

	b.dropped++
	if b.limit <= 0 {
		return b.dropped == 1
	}
	i := b.victim()
	if i < 0 {
		if msg.qos == 0 {
			// Nothing less important queued; the new press is the one lost
			return b.dropped == 1
		}
		i = 0
	}
	b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
	b.msgs = append(b.msgs, msg)
	return b.dropped == 1
}

// victim returns the index of the oldest QoS 0 message, or -1.
func (b *backlog) victim() int {
	for i, m := range b.msgs {
		if m.qos == 0 {
			return i
		}
	}
	return -1
}

// drain empties the backlog, returning the messages oldest first and how
// many were given up.
func (b *backlog) drain() ([]outMsg, int) {
	msgs, dropped := b.msgs, b.dropped
	b.msgs, b.dropped = nil, 0
	return msgs, dropped
}

func (b *backlog) len() int {
	return len(b.msgs)
}
