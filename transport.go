package redis

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
)

// bufferSize is the read/write buffer size for a Connection's socket.
// Conservative MTU-sized buffers keep pipelined writes in as few TCP
// segments as practical without over-allocating for small commands.
const bufferSize = 1208

// transport owns a duplex byte stream to one server and exposes buffered
// access to it. Closing is idempotent.
type transport struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// dialTransport opens a TCP (optionally TLS) connection to addr.
func dialTransport(addr string, useTLS bool) (*transport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	if useTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hostOnly(addr)})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return &transport{
		conn: conn,
		r:    bufio.NewReaderSize(conn, bufferSize),
		w:    bufio.NewWriterSize(conn, bufferSize),
	}, nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (t *transport) flush() error { return t.w.Flush() }

func (t *transport) close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
