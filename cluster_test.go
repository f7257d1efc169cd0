package redis

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// P4 — slot determinism: keys whose hash-tag content is equal hash to the
// same slot.
func TestKeySlotHashTag(t *testing.T) {
	a := keySlot("{user1000}.following")
	b := keySlot("{user1000}.followers")
	if a != b {
		t.Fatalf("hash-tagged keys diverged: %d != %d", a, b)
	}
}

func TestKeySlotRange(t *testing.T) {
	for _, k := range []string{"foo", "bar", "{tag}rest", "", "a very long key name indeed"} {
		s := keySlot(k)
		if s < 0 || s >= numSlots {
			t.Fatalf("keySlot(%q) = %d out of range", k, s)
		}
	}
}

func TestSlotForKeysCrossSlot(t *testing.T) {
	_, err := slotForKeys([]string{"a", "b"})
	if _, ok := err.(*CrossSlotError); !ok {
		t.Fatalf("want CrossSlotError, got %v", err)
	}
}

func TestSlotForKeysSameHashTag(t *testing.T) {
	slot, err := slotForKeys([]string{"{x}a", "{x}b", "{x}c"})
	if err != nil {
		t.Fatalf("slotForKeys: %v", err)
	}
	if slot != keySlot("{x}a") {
		t.Fatalf("slot = %d, want %d", slot, keySlot("{x}a"))
	}
}

func TestParseRedirect(t *testing.T) {
	addr, err := parseRedirect("MOVED 3999 127.0.0.1:7002")
	if err != nil {
		t.Fatalf("parseRedirect: %v", err)
	}
	if addr != "127.0.0.1:7002" {
		t.Fatalf("addr = %q, want 127.0.0.1:7002", addr)
	}
}

// fakeClusterNode is one scripted reply over a net.Pipe, standing in for a
// single cluster node's TCP connection. scriptedConnectionFactory wires
// addr -> fakeClusterNode so a test can inject -MOVED/-ASK replies at the
// exact point ClusterDispatcher.execKeysParse reads them.
type fakeClusterNode struct {
	clientSide net.Conn
	serverSide net.Conn
}

func newFakeClusterNode() *fakeClusterNode {
	clientSide, serverSide := net.Pipe()
	return &fakeClusterNode{clientSide: clientSide, serverSide: serverSide}
}

// serveOne reads a single command frame and writes raw back verbatim,
// letting the caller script exactly one reply (a -MOVED/-ASK error, a
// normal value, whatever the scenario needs). It hands the parsed args to
// onCommand so a test can assert what was actually sent.
func (n *fakeClusterNode) serveOne(t *testing.T, raw string, onCommand func(args []string)) {
	t.Helper()
	go func() {
		r := bufio.NewReader(n.serverSide)
		w := bufio.NewWriter(n.serverSide)
		args, err := readCommandArgs(r)
		if err != nil {
			return
		}
		if onCommand != nil {
			onCommand(args)
		}
		w.WriteString(raw)
		w.Flush()
	}()
}

// serveSequence scripts replies to consecutive command frames in order,
// asserting each frame's command name against wantCmds before replying.
func (n *fakeClusterNode) serveSequence(t *testing.T, wantCmds []string, replies []string) {
	t.Helper()
	go func() {
		r := bufio.NewReader(n.serverSide)
		w := bufio.NewWriter(n.serverSide)
		for i, reply := range replies {
			args, err := readCommandArgs(r)
			if err != nil {
				return
			}
			if i < len(wantCmds) && (len(args) == 0 || !strings.EqualFold(args[0], wantCmds[i])) {
				t.Errorf("fake node: frame %d = %v, want command %s", i, args, wantCmds[i])
			}
			w.WriteString(reply)
			w.Flush()
		}
	}()
}

func scriptedConnectionFactory(nodes map[string]*fakeClusterNode) ConnectionFactory {
	return func(addr string) (*Connection, error) {
		node, ok := nodes[addr]
		if !ok {
			return nil, fmt.Errorf("fake cluster: no node scripted for %q", addr)
		}
		return newFakeConnection(node.clientSide), nil
	}
}

// S6 — cluster redirection, MOVED branch. A fake ConnectionFactory returns
// -MOVED from node1 on the first GET; execKeysParse must retry against
// node2 without surfacing an error, and must persist the new mapping so a
// second, independent request for the same key goes straight to node2.
func TestClusterDispatcherFollowsMoved(t *testing.T) {
	node1 := newFakeClusterNode()
	node2 := newFakeClusterNode()
	slot := keySlot("foo")

	node1.serveOne(t, fmt.Sprintf("-MOVED %d node2\r\n", slot), func(args []string) {
		require.Equal(t, []string{"GET", "foo"}, args)
	})
	node2.serveOne(t, "$5\r\nhello\r\n", func(args []string) {
		require.Equal(t, []string{"GET", "foo"}, args)
	})

	d := &ClusterDispatcher{
		cfg:             ClusterConfig{Nodes: []string{"node1"}},
		factory:         scriptedConnectionFactory(map[string]*fakeClusterNode{"node1": node1, "node2": node2}),
		logger:          noopLogger{},
		execs:           make(map[string]*directExecutor),
		maxRedirections: DefaultMaxRedirections,
	}
	d.setSlot(slot, "node1")

	v, err := d.ExecKeys("GET", []string{"foo"}, "foo")
	require.NoError(t, err)
	s, err := v.String()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	require.Equal(t, "node2", d.addrForSlot(slot), "slot map must be updated by MOVED")

	// A second request for the same key must go straight to node2, with no
	// further redirection involved.
	node2.serveOne(t, "$5\r\nagain\r\n", func(args []string) {
		require.Equal(t, []string{"GET", "foo"}, args)
	})
	v, err = d.ExecKeys("GET", []string{"foo"}, "foo")
	require.NoError(t, err)
	s, err = v.String()
	require.NoError(t, err)
	require.Equal(t, "again", s)
}

// S6 — cluster redirection, ASK branch. node1 answers -ASK for a key;
// execKeysParse must send ASKING to node2 immediately before replaying the
// original command, and must NOT persist the redirection in the slot map
// (ASK is one-shot, unlike MOVED).
func TestClusterDispatcherFollowsAsk(t *testing.T) {
	node1 := newFakeClusterNode()
	node2 := newFakeClusterNode()
	slot := keySlot("bar")

	node1.serveOne(t, fmt.Sprintf("-ASK %d node2\r\n", slot), func(args []string) {
		require.Equal(t, []string{"GET", "bar"}, args)
	})
	node2.serveSequence(t, []string{"ASKING", "GET"}, []string{"+OK\r\n", "$5\r\nworld\r\n"})

	d := &ClusterDispatcher{
		cfg:             ClusterConfig{Nodes: []string{"node1"}},
		factory:         scriptedConnectionFactory(map[string]*fakeClusterNode{"node1": node1, "node2": node2}),
		logger:          noopLogger{},
		execs:           make(map[string]*directExecutor),
		maxRedirections: DefaultMaxRedirections,
	}
	d.setSlot(slot, "node1")

	v, err := d.ExecKeys("GET", []string{"bar"}, "bar")
	require.NoError(t, err)
	s, err := v.String()
	require.NoError(t, err)
	require.Equal(t, "world", s)

	require.Equal(t, "node1", d.addrForSlot(slot), "ASK must not update the slot map")
}

func TestClusterConfigMaxRedirectionsDefault(t *testing.T) {
	cfg := ClusterConfig{}
	if cfg.maxRedirections() != DefaultMaxRedirections {
		t.Fatalf("maxRedirections() = %d, want %d", cfg.maxRedirections(), DefaultMaxRedirections)
	}
}
