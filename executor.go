package redis

// Executor is the pluggable command-execution seam. Direct, pipeline,
// transaction and cluster dispatch all implement it; the Client facade is a
// thin layer atop whichever Executor it is bound to.
type Executor interface {
	// Exec encodes name+args, executes it, and returns the reply.
	Exec(name string, args ...interface{}) (Value, error)
	// ExecParse is Exec with a parse callback applied to the terminal
	// reply bytes (see ParseFunc).
	ExecParse(name string, parse ParseFunc, args ...interface{}) (Value, error)
	// Connection returns the Connection the Executor is bound to.
	Connection() *Connection
	// Close releases the Executor's resources.
	Close() error
}

// directExecutor serializes one command at a time on a Connection and
// returns its typed reply, retrying the command exactly once across a
// transparent reconnect per §4.4. Serialization is on the Connection's own
// cmdMu, not a private field, so the background health check (§4.3a) can
// never interleave a PING with an in-flight command.
type directExecutor struct {
	conn *Connection
}

func newDirectExecutor(conn *Connection) *directExecutor {
	return &directExecutor{conn: conn}
}

func (e *directExecutor) Connection() *Connection { return e.conn }

func (e *directExecutor) Close() error { return e.conn.Close() }

func (e *directExecutor) Exec(name string, args ...interface{}) (Value, error) {
	return e.ExecParse(name, nil, args...)
}

func (e *directExecutor) ExecParse(name string, parse ParseFunc, args ...interface{}) (Value, error) {
	e.conn.cmdMu.Lock()
	defer e.conn.cmdMu.Unlock()

	if e.conn.IsClosed() {
		return Value{}, ErrBadResource
	}

	if err := e.conn.ensureReady(); err != nil {
		return Value{}, err
	}

	err := e.conn.sendCommand(name, args...)
	if err != nil {
		// Transport error or EOF: reconnect and replay exactly once.
		// Reconnection happens before any reply byte was read, so the
		// command is safe to resend per §4.3's retry discipline.
		if rerr := e.conn.reconnect(); rerr != nil {
			return Value{}, rerr
		}
		if err := e.conn.sendCommand(name, args...); err != nil {
			return Value{}, ErrConnectionClosed
		}
	}

	v, err := e.conn.recvReply(parse)
	if err != nil {
		if _, ok := err.(ErrorReply); ok {
			return v, err
		}
		// Reply framing is now unknown: fatal, not retried.
		return Value{}, ErrConnectionClosed
	}
	return v, nil
}
