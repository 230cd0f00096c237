package event

// Message is an ordered batch of events representing one protocol
// exchange. Order is list order; the Message itself enforces no
// ordering semantics beyond that (consumers must, e.g. a terminal
// can_speak is rendered last by the presentation layer).
type Message struct {
	events []Event
}

// NewMessage builds a message from the given events.
func NewMessage(events ...Event) Message {
	return Message{events: events}
}

// Append adds events to the end of the batch.
func (m *Message) Append(events ...Event) {
	m.events = append(m.events, events...)
}

// Events returns the underlying event list in order.
func (m Message) Events() []Event { return m.events }

// Len returns the number of events in the batch.
func (m Message) Len() int { return len(m.events) }

// Empty reports whether the batch carries no events.
func (m Message) Empty() bool { return len(m.events) == 0 }
