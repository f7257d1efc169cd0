package redis

import "sync"

// Message is a server-pushed pub/sub delivery. Pattern is empty for a
// plain channel subscription and set for a pattern (PSUBSCRIBE) match.
type Message struct {
	Channel string
	Payload []byte
	Pattern string
}

// Subscription drives a Connection dedicated to subscription traffic. Only
// SUBSCRIBE/UNSUBSCRIBE/PSUBSCRIBE/PUNSUBSCRIBE/PING/QUIT belong on that
// Connection once it is subscribed; nothing in this package rejects other
// commands sent on it.
//
// Receive's sequence is single-consumer, finite, and not restartable: model
// it as a channel receiver, per §9's design note.
type Subscription struct {
	conn   *Connection
	logger Logger

	mu       sync.Mutex
	channels map[string]bool
	patterns map[string]bool
	closed   bool

	inbox chan Message
}

func newSubscription(conn *Connection, logger Logger) *Subscription {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Subscription{
		conn:     conn,
		logger:   logger,
		channels: make(map[string]bool),
		patterns: make(map[string]bool),
		inbox:    make(chan Message, 64),
	}
	go s.run()
	return s
}

// Receive returns the lazy sequence of delivered Messages. It ends when the
// Subscription is closed or its Connection is closed with no channels left.
func (s *Subscription) Receive() <-chan Message { return s.inbox }

// Subscribe issues SUBSCRIBE for the given channels and tracks them for
// replay across reconnects.
func (s *Subscription) Subscribe(channels ...string) error {
	return s.track(s.channels, "SUBSCRIBE", channels)
}

// PSubscribe issues PSUBSCRIBE for the given patterns and tracks them for
// replay across reconnects.
func (s *Subscription) PSubscribe(patterns ...string) error {
	return s.track(s.patterns, "PSUBSCRIBE", patterns)
}

// Unsubscribe issues UNSUBSCRIBE and stops tracking the given channels. An
// empty argument list unsubscribes from all tracked channels, per Redis
// semantics.
func (s *Subscription) Unsubscribe(channels ...string) error {
	return s.untrack(s.channels, "UNSUBSCRIBE", channels)
}

// PUnsubscribe issues PUNSUBSCRIBE and stops tracking the given patterns.
func (s *Subscription) PUnsubscribe(patterns ...string) error {
	return s.untrack(s.patterns, "PUNSUBSCRIBE", patterns)
}

func (s *Subscription) track(set map[string]bool, cmd string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := toArgs(names)
	if err := s.conn.sendCommand(cmd, args...); err != nil {
		return err
	}
	s.mu.Lock()
	for _, n := range names {
		set[n] = true
	}
	s.mu.Unlock()
	return nil
}

func (s *Subscription) untrack(set map[string]bool, cmd string, names []string) error {
	s.mu.Lock()
	if len(names) == 0 {
		for n := range set {
			names = append(names, n)
		}
	}
	for _, n := range names {
		delete(set, n)
	}
	s.mu.Unlock()
	if len(names) == 0 {
		return nil
	}
	return s.conn.sendCommand(cmd, toArgs(names)...)
}

func toArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

// Close removes all channels, unsubscribes if the Connection is healthy,
// terminates Receive cleanly (no error to a passively iterating consumer),
// and closes the Connection.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var channels, patterns []string
	for n := range s.channels {
		channels = append(channels, n)
	}
	for n := range s.patterns {
		patterns = append(patterns, n)
	}
	s.mu.Unlock()

	if s.conn.IsConnected() {
		if len(channels) > 0 {
			s.conn.sendCommand("UNSUBSCRIBE", toArgs(channels)...)
		}
		if len(patterns) > 0 {
			s.conn.sendCommand("PUNSUBSCRIBE", toArgs(patterns)...)
		}
	}
	return s.conn.Close()
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// run is the single reader of the dedicated Connection: it multiplexes
// command acknowledgements and server-pushed messages, and replays tracked
// subscriptions after a reconnect.
func (s *Subscription) run() {
	defer close(s.inbox)

	for {
		v, err := s.conn.recvReply(nil)
		if err != nil {
			if s.isClosed() {
				return
			}
			if _, ok := err.(ErrorReply); ok {
				continue
			}
			if !s.reconnect() {
				return
			}
			continue
		}

		kind, args, ok := decodePush(v)
		if !ok {
			continue
		}
		switch kind {
		case "message":
			if len(args) < 2 {
				continue
			}
			channel, _ := args[0].String()
			s.deliver(Message{Channel: channel, Payload: args[1].Bytes})
		case "pmessage":
			if len(args) < 3 {
				continue
			}
			pattern, _ := args[0].String()
			channel, _ := args[1].String()
			s.deliver(Message{Channel: channel, Payload: args[2].Bytes, Pattern: pattern})
		default:
			// subscribe/unsubscribe/psubscribe/punsubscribe acks: internal
			// bookkeeping only, never surfaced to Receive's consumer.
		}
	}
}

func (s *Subscription) deliver(m Message) {
	select {
	case s.inbox <- m:
	default:
		// Slow consumer: drop rather than block the single reader
		// indefinitely. Bounded per §3's "bounded lazy sequence".
		s.logger.Printf("redis: dropping pub/sub message on %q: consumer too slow", m.Channel)
	}
}

// reconnect re-establishes the dedicated Connection and replays SUBSCRIBE/
// PSUBSCRIBE for all tracked names before resuming reads. Messages
// published during the outage are lost, per §4.6/§9.
func (s *Subscription) reconnect() bool {
	if err := s.conn.reconnect(); err != nil {
		return false
	}

	s.mu.Lock()
	var channels, patterns []string
	for n := range s.channels {
		channels = append(channels, n)
	}
	for n := range s.patterns {
		patterns = append(patterns, n)
	}
	s.mu.Unlock()

	if len(channels) > 0 {
		if err := s.conn.sendCommand("SUBSCRIBE", toArgs(channels)...); err != nil {
			return false
		}
		for range channels {
			if _, err := s.conn.recvReply(nil); err != nil {
				return false
			}
		}
	}
	if len(patterns) > 0 {
		if err := s.conn.sendCommand("PSUBSCRIBE", toArgs(patterns)...); err != nil {
			return false
		}
		for range patterns {
			if _, err := s.conn.recvReply(nil); err != nil {
				return false
			}
		}
	}
	return true
}

// decodePush validates a reply as a pub/sub push array and splits it into
// its kind tag (the first element) and the remaining arguments.
func decodePush(v Value) (kind string, args []Value, ok bool) {
	if v.Type != Array || v.Null || len(v.Elems) < 2 {
		return "", nil, false
	}
	kind, err := v.Elems[0].String()
	if err != nil {
		return "", nil, false
	}
	return kind, v.Elems[1:], true
}
