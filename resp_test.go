package redis

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

// S1 — RESP encoding.
func TestEncodeCommandSET(t *testing.T) {
	got := encodeCommand(nil, "SET", "name", "bar")
	want := "*3\r\n$3\r\nSET\r\n$4\r\nname\r\n$3\r\nbar\r\n"
	if string(got) != want {
		t.Fatalf("encodeCommand() = %q, want %q", got, want)
	}
}

// P1 — frame round-trip: encoding then decoding an array yields the same
// byte strings back.
func TestFrameRoundTrip(t *testing.T) {
	cases := [][]string{
		{"PING"},
		{"SET", "a", "b"},
		{"MGET", "k1", "k2", "k3"},
		{"GET", ""},
	}
	for _, args := range cases {
		buf := encodeCommand(nil, args[0], toArgs(args[1:])...)
		r := bufio.NewReader(bytes.NewReader(buf))
		v, err := readReply(r)
		if err != nil {
			t.Fatalf("readReply(%q): %v", buf, err)
		}
		if v.Type != Array || len(v.Elems) != len(args) {
			t.Fatalf("got %d elements, want %d", len(v.Elems), len(args))
		}
		for i, a := range args {
			s, err := v.Elems[i].String()
			if err != nil {
				t.Fatalf("Elems[%d].String(): %v", i, err)
			}
			if s != a {
				t.Fatalf("Elems[%d] = %q, want %q", i, s, a)
			}
		}
	}
}

func TestReadReplySimpleTypes(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("+OK\r\n:42\r\n$5\r\nhello\r\n$-1\r\n*-1\r\n"))
	v, err := readReply(r)
	if err != nil || v.Type != SimpleString || v.Text != "OK" {
		t.Fatalf("simple string: got %+v, err %v", v, err)
	}
	v, err = readReply(r)
	if err != nil || v.Type != Integer || v.Int != 42 {
		t.Fatalf("integer: got %+v, err %v", v, err)
	}
	v, err = readReply(r)
	if err != nil || v.Type != BulkString || string(v.Bytes) != "hello" {
		t.Fatalf("bulk string: got %+v, err %v", v, err)
	}
	v, err = readReply(r)
	if err != nil || v.Type != BulkString || !v.Null {
		t.Fatalf("null bulk: got %+v, err %v", v, err)
	}
	v, err = readReply(r)
	if err != nil || v.Type != Array || !v.Null {
		t.Fatalf("null array: got %+v, err %v", v, err)
	}
}

func TestReadReplyErrorFrame(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("-WRONGTYPE bad value\r\n"))
	_, err := readReply(r)
	er, ok := err.(ErrorReply)
	if !ok {
		t.Fatalf("want ErrorReply, got %T: %v", err, err)
	}
	if er.Prefix() != "WRONGTYPE" {
		t.Fatalf("Prefix() = %q, want WRONGTYPE", er.Prefix())
	}
}

// Nested array errors embed as Error-typed elements rather than aborting
// the whole array decode.
func TestReadReplyNestedArrayError(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("*2\r\n+OK\r\n-ERR bad\r\n"))
	v, err := readReply(r)
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	if len(v.Elems) != 2 || v.Elems[1].Type != Error {
		t.Fatalf("got %+v", v)
	}
}
