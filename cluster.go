package redis

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const numSlots = 16384

// DefaultMaxRedirections bounds the number of -MOVED/-ASK hops a single
// command will follow before TooManyRedirectionsError.
const DefaultMaxRedirections = 16

// ClusterConfig configures a ClusterDispatcher.
type ClusterConfig struct {
	Nodes           []string // seed host:port list
	MaxRedirections uint32   // 0 means DefaultMaxRedirections
	Password        string
	DB              int
	TLS             bool
}

func (c ClusterConfig) maxRedirections() uint32 {
	if c.MaxRedirections == 0 {
		return DefaultMaxRedirections
	}
	return c.MaxRedirections
}

// ConnectionFactory dials a Connection for one cluster node. Tests
// intercept this to simulate -MOVED/-ASK without a real cluster.
type ConnectionFactory func(addr string) (*Connection, error)

// ClusterDispatcher is a keyed routing layer over a pool of Connections. It
// computes the slot for each command's keys, memoizes a Connection per
// host:port, and transparently follows -MOVED (updating the slot map) and
// -ASK (one-shot, via ASKING, without updating the map) redirections.
type ClusterDispatcher struct {
	cfg     ClusterConfig
	factory ConnectionFactory
	logger  Logger

	mu              sync.Mutex
	slotMap         [numSlots]string
	execs           map[string]*directExecutor
	seedIdx         int
	maxRedirections uint32
}

// NewClusterDispatcher constructs a dispatcher over the given seed nodes.
// factory is used to create a Connection the first time a node is
// addressed; nil uses a TCP dialer built from cfg.
func NewClusterDispatcher(cfg ClusterConfig, factory ConnectionFactory, logger Logger) (*ClusterDispatcher, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("redis: cluster requires at least one seed node")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if factory == nil {
		factory = func(addr string) (*Connection, error) {
			host, portStr, err := splitHostPort(addr)
			if err != nil {
				return nil, err
			}
			port, _ := strconv.Atoi(portStr)
			conn, err := newConnection(ConnectOpts{
				Hostname: host, Port: port,
				TLS: cfg.TLS, DB: cfg.DB, Password: cfg.Password,
			}, logger)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	d := &ClusterDispatcher{
		cfg:             cfg,
		factory:         factory,
		logger:          logger,
		execs:           make(map[string]*directExecutor),
		maxRedirections: cfg.maxRedirections(),
	}
	d.probeSlots()
	return d, nil
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", "", fmt.Errorf("redis: invalid node address %q", addr)
	}
	return addr[:i], addr[i+1:], nil
}

// probeSlots issues one CLUSTER SLOTS against a seed node to pre-populate
// the slot map, per §4.7a/§9's optional topology bootstrap. Failure here is
// non-fatal: the dispatcher falls back to pure reactive -MOVED discovery.
func (d *ClusterDispatcher) probeSlots() {
	addr := d.cfg.Nodes[0]
	exec, err := d.executorFor(addr)
	if err != nil {
		return
	}
	v, err := exec.Exec("CLUSTER", "SLOTS")
	if err != nil {
		d.logger.Printf("redis: cluster slots probe failed: %v", err)
		return
	}
	if v.Type != Array {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rangeVal := range v.Elems {
		if rangeVal.Type != Array || len(rangeVal.Elems) < 3 {
			continue
		}
		start, err1 := rangeVal.Elems[0].Int64()
		end, err2 := rangeVal.Elems[1].Int64()
		node := rangeVal.Elems[2]
		if err1 != nil || err2 != nil || node.Type != Array || len(node.Elems) < 2 {
			continue
		}
		host, _ := node.Elems[0].String()
		port, _ := node.Elems[1].Int64()
		nodeAddr := fmt.Sprintf("%s:%d", host, port)
		for s := start; s <= end && s < numSlots; s++ {
			d.slotMap[s] = nodeAddr
		}
	}
}

func (d *ClusterDispatcher) executorFor(addr string) (*directExecutor, error) {
	d.mu.Lock()
	if exec, ok := d.execs[addr]; ok {
		d.mu.Unlock()
		return exec, nil
	}
	d.mu.Unlock()

	conn, err := d.factory(addr)
	if err != nil {
		return nil, err
	}
	exec := newDirectExecutor(conn)

	d.mu.Lock()
	if existing, ok := d.execs[addr]; ok {
		d.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	d.execs[addr] = exec
	d.mu.Unlock()
	return exec, nil
}

func (d *ClusterDispatcher) seedAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.cfg.Nodes[d.seedIdx%len(d.cfg.Nodes)]
	d.seedIdx++
	return addr
}

func (d *ClusterDispatcher) addrForSlot(slot int) string {
	d.mu.Lock()
	addr := d.slotMap[slot]
	d.mu.Unlock()
	if addr == "" {
		return d.seedAddr()
	}
	return addr
}

func (d *ClusterDispatcher) setSlot(slot int, addr string) {
	d.mu.Lock()
	d.slotMap[slot] = addr
	d.mu.Unlock()
}

// Exec implements Executor, treating args[0] (if any) as the command's
// sole key. Multi-key commands must use ExecKeys directly so the dispatcher
// can enforce the CrossSlot invariant across all of them.
func (d *ClusterDispatcher) Exec(name string, args ...interface{}) (Value, error) {
	return d.ExecParse(name, nil, args...)
}

func (d *ClusterDispatcher) ExecParse(name string, parse ParseFunc, args ...interface{}) (Value, error) {
	var keys []string
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			keys = []string{s}
		}
	}
	return d.execKeysParse(name, keys, parse, args...)
}

// ExecKeys routes name+args by hashing keys to a cluster slot, the primitive
// multi-key facade commands (MGET, DEL, MSET, …) call directly.
func (d *ClusterDispatcher) ExecKeys(name string, keys []string, args ...interface{}) (Value, error) {
	return d.execKeysParse(name, keys, nil, args...)
}

func (d *ClusterDispatcher) execKeysParse(name string, keys []string, parse ParseFunc, args ...interface{}) (Value, error) {
	slot := -1
	if len(keys) > 0 {
		s, err := slotForKeys(keys)
		if err != nil {
			return Value{}, err
		}
		slot = s
	}

	var addr string
	if slot >= 0 {
		addr = d.addrForSlot(slot)
	} else {
		addr = d.seedAddr()
	}

	asking := false
	var redirections uint32
	for {
		exec, err := d.executorFor(addr)
		if err != nil {
			return Value{}, err
		}
		if asking {
			if _, err := exec.Exec("ASKING"); err != nil {
				return Value{}, err
			}
		}

		v, err := exec.ExecParse(name, parse, args...)
		if err == nil {
			return v, nil
		}
		er, ok := err.(ErrorReply)
		if !ok {
			return Value{}, err
		}

		switch er.Prefix() {
		case "MOVED":
			newAddr, perr := parseRedirect(string(er))
			if perr != nil {
				return Value{}, err
			}
			if slot >= 0 {
				d.setSlot(slot, newAddr)
			}
			addr = newAddr
			asking = false
		case "ASK":
			newAddr, perr := parseRedirect(string(er))
			if perr != nil {
				return Value{}, err
			}
			addr = newAddr
			asking = true
		default:
			return Value{}, err
		}

		redirections++
		if redirections > d.maxRedirections {
			return Value{}, &TooManyRedirectionsError{Command: name, Limit: d.maxRedirections}
		}
	}
}

// Connection is unsupported for a ClusterDispatcher: it fronts a pool, not
// a single Connection. It returns nil.
func (d *ClusterDispatcher) Connection() *Connection { return nil }

// Close closes every memoized Connection.
func (d *ClusterDispatcher) Close() error {
	d.mu.Lock()
	execs := d.execs
	d.execs = make(map[string]*directExecutor)
	d.mu.Unlock()

	var firstErr error
	for _, exec := range execs {
		if err := exec.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// parseRedirect parses "MOVED <slot> <host:port>" / "ASK <slot> <host:port>"
// and returns the target address.
func parseRedirect(msg string) (string, error) {
	fields := strings.Fields(msg)
	if len(fields) != 3 {
		return "", fmt.Errorf("redis: malformed redirection %q", msg)
	}
	return fields[2], nil
}

// keySlot computes the CRC16-CCITT slot (0..16383) for key, substituting
// the substring inside a non-empty {…} hash tag as the hashing input.
func keySlot(key string) int {
	hashKey := key
	if start := strings.IndexByte(key, '{'); start >= 0 {
		if end := strings.IndexByte(key[start+1:], '}'); end > 0 {
			hashKey = key[start+1 : start+1+end]
		}
	}
	return int(crc16([]byte(hashKey)) % numSlots)
}

// slotForKeys computes the common slot for a set of key arguments, failing
// with CrossSlotError if they do not all hash to the same slot.
func slotForKeys(keys []string) (int, error) {
	if len(keys) == 0 {
		return -1, nil
	}
	slot := keySlot(keys[0])
	for _, k := range keys[1:] {
		if keySlot(k) != slot {
			return 0, &CrossSlotError{Keys: keys}
		}
	}
	return slot, nil
}

// crc16 implements CRC16-CCITT (polynomial 0x1021), the hash Redis Cluster
// uses to map keys to slots.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[((crc>>8)^uint16(b))&0xFF]
	}
	return crc
}

var crc16Table = [256]uint16{
	0x0000, 0x1021, 0x2042, 0x3063, 0x4084, 0x50A5, 0x60C6, 0x70E7,
	0x8108, 0x9129, 0xA14A, 0xB16B, 0xC18C, 0xD1AD, 0xE1CE, 0xF1EF,
	0x1231, 0x0210, 0x3273, 0x2252, 0x52B5, 0x4294, 0x72F7, 0x62D6,
	0x9339, 0x8318, 0xB37B, 0xA35A, 0xD3BD, 0xC39C, 0xF3FF, 0xE3DE,
	0x2462, 0x3443, 0x0420, 0x1401, 0x64E6, 0x74C7, 0x44A4, 0x5485,
	0xA56A, 0xB54B, 0x8528, 0x9509, 0xE5EE, 0xF5CF, 0xC5AC, 0xD58D,
	0x3653, 0x2672, 0x1611, 0x0630, 0x76D7, 0x66F6, 0x5695, 0x46B4,
	0xB75B, 0xA77A, 0x9719, 0x8738, 0xF7DF, 0xE7FE, 0xD79D, 0xC7BC,
	0x48C4, 0x58E5, 0x6886, 0x78A7, 0x0840, 0x1861, 0x2802, 0x3823,
	0xC9CC, 0xD9ED, 0xE98E, 0xF9AF, 0x8948, 0x9969, 0xA90A, 0xB92B,
	0x5AF5, 0x4AD4, 0x7AB7, 0x6A96, 0x1A71, 0x0A50, 0x3A33, 0x2A12,
	0xDBFD, 0xCBDC, 0xFBBF, 0xEB9E, 0x9B79, 0x8B58, 0xBB3B, 0xAB1A,
	0x6CA6, 0x7C87, 0x4CE4, 0x5CC5, 0x2C22, 0x3C03, 0x0C60, 0x1C41,
	0xEDAE, 0xFD8F, 0xCDEC, 0xDDCD, 0xAD2A, 0xBD0B, 0x8D68, 0x9D49,
	0x7E97, 0x6EB6, 0x5ED5, 0x4EF4, 0x3E13, 0x2E32, 0x1E51, 0x0E70,
	0xFF9F, 0xEFBE, 0xDFDD, 0xCFFC, 0xBF1B, 0xAF3A, 0x9F59, 0x8F78,
	0x9188, 0x81A9, 0xB1CA, 0xA1EB, 0xD10C, 0xC12D, 0xF14E, 0xE16F,
	0x1080, 0x00A1, 0x30C2, 0x20E3, 0x5004, 0x4025, 0x7046, 0x6067,
	0x83B9, 0x9398, 0xA3FB, 0xB3DA, 0xC33D, 0xD31C, 0xE37F, 0xF35E,
	0x02B1, 0x1290, 0x22F3, 0x32D2, 0x4235, 0x5214, 0x6277, 0x7256,
	0xB5EA, 0xA5CB, 0x95A8, 0x8589, 0xF56E, 0xE54F, 0xD52C, 0xC50D,
	0x34E2, 0x24C3, 0x14A0, 0x0481, 0x7466, 0x6447, 0x5424, 0x4405,
	0xA7DB, 0xB7FA, 0x8799, 0x97B8, 0xE75F, 0xF77E, 0xC71D, 0xD73C,
	0x26D3, 0x36F2, 0x0691, 0x16B0, 0x6657, 0x7676, 0x4615, 0x5634,
	0xD94C, 0xC96D, 0xF90E, 0xE92F, 0x99C8, 0x89E9, 0xB98A, 0xA9AB,
	0x5844, 0x4865, 0x7806, 0x6827, 0x18C0, 0x08E1, 0x3882, 0x28A3,
	0xCB7D, 0xDB5C, 0xEB3F, 0xFB1E, 0x8BF9, 0x9BD8, 0xABBB, 0xBB9A,
	0x4A75, 0x5A54, 0x6A37, 0x7A16, 0x0AF1, 0x1AD0, 0x2AB3, 0x3A92,
	0xFD2E, 0xED0F, 0xDD6C, 0xCD4D, 0xBDAA, 0xAD8B, 0x9DE8, 0x8DC9,
	0x7C26, 0x6C07, 0x5C64, 0x4C45, 0x3CA2, 0x2C83, 0x1CE0, 0x0CC1,
	0xEF1F, 0xFF3E, 0xCF5D, 0xDF7C, 0xAF9B, 0xBFBA, 0x8FD9, 0x9FF8,
	0x6E17, 0x7E36, 0x4E55, 0x5E74, 0x2E93, 0x3EB2, 0x0ED1, 0x1EF0,
}

var _ Executor = (*ClusterDispatcher)(nil)
