package redis

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// newFakeConnection wraps one half of a net.Pipe in a ready Connection,
// bypassing Dial/handshake, so executor-level scenarios can be driven
// against a small in-process fake server instead of a real Redis.
func newFakeConnection(clientSide net.Conn) *Connection {
	tr := &transport{
		conn: clientSide,
		r:    bufio.NewReaderSize(clientSide, bufferSize),
		w:    bufio.NewWriterSize(clientSide, bufferSize),
	}
	return &Connection{Addr: "fake", tr: tr, state: stateReady, logger: noopLogger{}}
}

// fakeStore is the tiny state a fakeServer simulates: string values plus
// MULTI/EXEC queuing, enough for S2-S4.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeServer(serverSide net.Conn) *fakeStore {
	store := &fakeStore{data: make(map[string]string)}
	go store.serve(serverSide)
	return store
}

// attachFakeServer spins up a fresh client/server net.Pipe pair, both
// backed by the same (already constructed) fakeStore, so independent
// Connections can exercise genuinely concurrent traffic against one
// logical keyspace.
func attachFakeServer(store *fakeStore) *Connection {
	clientSide, serverSide := net.Pipe()
	go store.serve(serverSide)
	return newFakeConnection(clientSide)
}

func (s *fakeStore) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	inTx := false
	var queued [][]string

	for {
		args, err := readCommandArgs(r)
		if err != nil {
			return
		}
		name := strings.ToUpper(args[0])

		if inTx && name != "EXEC" && name != "MULTI" {
			queued = append(queued, args)
			w.WriteString("+QUEUED\r\n")
			w.Flush()
			continue
		}

		switch name {
		case "MULTI":
			inTx = true
			queued = nil
			w.WriteString("+OK\r\n")
		case "EXEC":
			inTx = false
			fmt.Fprintf(w, "*%d\r\n", len(queued))
			for _, q := range queued {
				s.exec(w, q)
			}
			queued = nil
		default:
			s.exec(w, args)
		}
		w.Flush()
	}
}

func (s *fakeStore) exec(w *bufio.Writer, args []string) {
	name := strings.ToUpper(args[0])
	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case "PING":
		w.WriteString("+PONG\r\n")
	case "SET":
		s.data[args[1]] = args[2]
		w.WriteString("+OK\r\n")
	case "GET":
		v, ok := s.data[args[1]]
		if !ok {
			w.WriteString("$-1\r\n")
			return
		}
		writeBulk(w, v)
	case "MGET":
		fmt.Fprintf(w, "*%d\r\n", len(args)-1)
		for _, k := range args[1:] {
			if v, ok := s.data[k]; ok {
				writeBulk(w, v)
			} else {
				w.WriteString("$-1\r\n")
			}
		}
	case "DEL":
		n := 0
		for _, k := range args[1:] {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				n++
			}
		}
		fmt.Fprintf(w, ":%d\r\n", n)
	case "INCR":
		n, _ := strconv.ParseInt(s.data[args[1]], 10, 64)
		n++
		s.data[args[1]] = strconv.FormatInt(n, 10)
		fmt.Fprintf(w, ":%d\r\n", n)
	case "EVAL":
		w.WriteString("-ERR unsupported in fake server\r\n")
	default:
		w.WriteString("-ERR unknown command\r\n")
	}
}

func writeBulk(w *bufio.Writer, v string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
}

// readCommandArgs parses one *N\r\n request frame into its bulk string
// arguments, mirroring the wire shape encodeCommand produces.
func readCommandArgs(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("fake server: expected array, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, n)
	for i := 0; i < n; i++ {
		szLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		szLine = strings.TrimRight(szLine, "\r\n")
		if len(szLine) == 0 || szLine[0] != '$' {
			return nil, fmt.Errorf("fake server: expected bulk, got %q", szLine)
		}
		size, err := strconv.Atoi(szLine[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := readFullBuf(r, buf); err != nil {
			return nil, err
		}
		args[i] = string(buf[:size])
	}
	return args, nil
}

func readFullBuf(r *bufio.Reader, buf []byte) (int, error) {
	done := 0
	for done < len(buf) {
		n, err := r.Read(buf[done:])
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}
