package redis

import "strconv"

// Client is a thin facade over an Executor: every method just shapes
// arguments and reply parsing for one Redis command. Pipeline and
// transaction mode are obtained by binding the same facade shape to a
// PipelineExecutor instead of a direct one.
type Client struct {
	exec   Executor
	logger Logger
}

// NewClient wraps an already-connected Connection in a direct Executor.
func NewClient(conn *Connection) *Client {
	return &Client{exec: newDirectExecutor(conn), logger: conn.logger}
}

// NewLazyClient builds a Client whose Connection is not dialed until the
// first command is executed, per §4.2's "lazy by default" behavior.
func NewLazyClient(opts ConnectOpts, logger Logger) (*Client, error) {
	conn, err := newConnection(opts, logger)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClusterClient wraps a ClusterDispatcher in the same facade shape as a
// single-node Client.
func NewClusterClient(cfg ClusterConfig, factory ConnectionFactory, logger Logger) (*Client, error) {
	d, err := NewClusterDispatcher(cfg, factory, logger)
	if err != nil {
		return nil, err
	}
	return &Client{exec: d, logger: logger}, nil
}

// Close releases the underlying Executor's resources.
func (c *Client) Close() error { return c.exec.Close() }

// Connection returns the Connection the Client's Executor is bound to (nil
// for a cluster-backed Client).
func (c *Client) Connection() *Connection { return c.exec.Connection() }

// SendCommand executes an arbitrary command, for callers reaching past the
// typed surface below.
func (c *Client) SendCommand(name string, args ...interface{}) (Value, error) {
	return c.exec.Exec(name, args...)
}

// Pipeline returns a Client bound to a new PipelineExecutor over the same
// Connection: commands queue until Flush is called.
func (c *Client) Pipeline() *Client {
	return &Client{exec: newPipelineExecutor(c.exec.Connection(), false), logger: c.logger}
}

// Tx is Pipeline with MULTI/EXEC wrapping applied at Flush time.
func (c *Client) Tx() *Client {
	return &Client{exec: newPipelineExecutor(c.exec.Connection(), true), logger: c.logger}
}

// Flush sends a Pipeline/Tx Client's queued commands as one batch. It is an
// error to call Flush on a direct Client.
func (c *Client) Flush() ([]Value, error) {
	pe, ok := c.exec.(*PipelineExecutor)
	if !ok {
		return nil, ErrInvalidState
	}
	return pe.Flush()
}

// execKeys routes a multi-key command through ExecKeys when the Executor is
// cluster-aware, and falls through to plain Exec otherwise.
func (c *Client) execKeys(name string, keys []string, args ...interface{}) (Value, error) {
	if d, ok := c.exec.(*ClusterDispatcher); ok {
		return d.ExecKeys(name, keys, args...)
	}
	return c.exec.Exec(name, args...)
}

// Ping checks liveness, per §4.3a's health-check primitive.
func (c *Client) Ping() error {
	_, err := c.exec.Exec("PING")
	return err
}

func (c *Client) Exists(keys ...string) (int64, error) {
	v, err := c.execKeys("EXISTS", keys, toArgs(keys)...)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) Get(key string) (string, error) {
	v, err := c.execKeys("GET", []string{key}, key)
	if err != nil {
		return "", err
	}
	return v.String()
}

func (c *Client) Set(key, value string) error {
	_, err := c.execKeys("SET", []string{key}, key, value)
	return err
}

func (c *Client) SetEx(key string, seconds int64, value string) error {
	_, err := c.execKeys("SETEX", []string{key}, key, strconv.FormatInt(seconds, 10), value)
	return err
}

func (c *Client) PSetEx(key string, millis int64, value string) error {
	_, err := c.execKeys("PSETEX", []string{key}, key, strconv.FormatInt(millis, 10), value)
	return err
}

func (c *Client) SetNX(key, value string) (bool, error) {
	v, err := c.execKeys("SETNX", []string{key}, key, value)
	if err != nil {
		return false, err
	}
	return v.Bool()
}

func (c *Client) GetSet(key, value string) (string, error) {
	v, err := c.execKeys("GETSET", []string{key}, key, value)
	if err != nil {
		return "", err
	}
	return v.String()
}

func (c *Client) Append(key, value string) (int64, error) {
	v, err := c.execKeys("APPEND", []string{key}, key, value)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) StrLen(key string) (int64, error) {
	v, err := c.execKeys("STRLEN", []string{key}, key)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) GetRange(key string, start, end int64) (string, error) {
	v, err := c.execKeys("GETRANGE", []string{key}, key, start, end)
	if err != nil {
		return "", err
	}
	return v.String()
}

func (c *Client) SetRange(key string, offset int64, value string) (int64, error) {
	v, err := c.execKeys("SETRANGE", []string{key}, key, offset, value)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) MGet(keys ...string) ([]string, error) {
	v, err := c.execKeys("MGET", keys, toArgs(keys)...)
	if err != nil {
		return nil, err
	}
	return v.Strings()
}

// MSet takes an interleaved key/value list, per the Redis wire command.
func (c *Client) MSet(kv ...string) error {
	keys := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		keys = append(keys, kv[i])
	}
	_, err := c.execKeys("MSET", keys, toArgs(kv)...)
	return err
}

func (c *Client) MSetNX(kv ...string) (bool, error) {
	keys := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		keys = append(keys, kv[i])
	}
	v, err := c.execKeys("MSETNX", keys, toArgs(kv)...)
	if err != nil {
		return false, err
	}
	return v.Bool()
}

func (c *Client) Incr(key string) (int64, error) {
	v, err := c.execKeys("INCR", []string{key}, key)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) Decr(key string) (int64, error) {
	v, err := c.execKeys("DECR", []string{key}, key)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) IncrBy(key string, delta int64) (int64, error) {
	v, err := c.execKeys("INCRBY", []string{key}, key, delta)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) DecrBy(key string, delta int64) (int64, error) {
	v, err := c.execKeys("DECRBY", []string{key}, key, delta)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) IncrByFloat(key string, delta float64) (string, error) {
	v, err := c.execKeys("INCRBYFLOAT", []string{key}, key, strconv.FormatFloat(delta, 'f', -1, 64))
	if err != nil {
		return "", err
	}
	return v.String()
}

func (c *Client) SetBit(key string, offset int64, bit int) (int64, error) {
	v, err := c.execKeys("SETBIT", []string{key}, key, offset, bit)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) GetBit(key string, offset int64) (int64, error) {
	v, err := c.execKeys("GETBIT", []string{key}, key, offset)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) BitCount(key string) (int64, error) {
	v, err := c.execKeys("BITCOUNT", []string{key}, key)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) BitPos(key string, bit int) (int64, error) {
	v, err := c.execKeys("BITPOS", []string{key}, key, bit)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

// BitOp applies op (AND/OR/XOR/NOT) across srcKeys into destKey.
func (c *Client) BitOp(op, destKey string, srcKeys ...string) (int64, error) {
	keys := append([]string{destKey}, srcKeys...)
	args := append([]interface{}{op, destKey}, toArgs(srcKeys)...)
	v, err := c.execKeys("BITOP", keys, args...)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) BitField(key string, args ...interface{}) (Value, error) {
	full := append([]interface{}{key}, args...)
	return c.execKeys("BITFIELD", []string{key}, full...)
}

func (c *Client) Del(keys ...string) (int64, error) {
	v, err := c.execKeys("DEL", keys, toArgs(keys)...)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func (c *Client) FlushDB() error {
	_, err := c.exec.Exec("FLUSHDB")
	return err
}

func (c *Client) Eval(script string, keys []string, args ...string) (Value, error) {
	full := make([]interface{}, 0, 2+len(keys)+len(args))
	full = append(full, script, strconv.Itoa(len(keys)))
	full = append(full, toArgs(keys)...)
	full = append(full, toArgs(args)...)
	return c.execKeys("EVAL", keys, full...)
}

// Subscribe takes over the Client's own Connection for pub/sub traffic and
// subscribes to the given channels, per §4.6's "own its Connection
// exclusively" rule.
func (c *Client) Subscribe(channels ...string) (*Subscription, error) {
	sub := newSubscription(c.exec.Connection(), c.logger)
	if err := sub.Subscribe(channels...); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

func (c *Client) PSubscribe(patterns ...string) (*Subscription, error) {
	sub := newSubscription(c.exec.Connection(), c.logger)
	if err := sub.PSubscribe(patterns...); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

func (c *Client) Publish(channel string, message string) (int64, error) {
	v, err := c.exec.Exec("PUBLISH", channel, message)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}
