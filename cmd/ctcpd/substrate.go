package main

import (
	"net"
	"os"
)

// udpSubstrate implements [transport.Substrate] by piping cTCP segments over
// a UDP socket and application bytes through the process's stdin/stdout.
type udpSubstrate struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	stdin  *stdinReader
}

func newUDPSubstrate(conn *net.UDPConn, remote *net.UDPAddr) *udpSubstrate {
	return &udpSubstrate{conn: conn, remote: remote, stdin: newStdinReader()}
}

func (s *udpSubstrate) Send(segment []byte) error {
	_, err := s.conn.WriteToUDP(segment, s.remote)
	return err
}

// BufSpace reports stdout as always ready: writes to it are buffered by the
// OS pipe, so this driver never backpressures the receive window on it.
func (s *udpSubstrate) BufSpace() int { return 1 << 20 }

func (s *udpSubstrate) Output(data []byte) {
	if len(data) == 0 {
		return // peer FIN: nothing further to write.
	}
	os.Stdout.Write(data)
}

func (s *udpSubstrate) Input(buf []byte) int { return s.stdin.Input(buf) }

// stdinReader pulls stdin in a dedicated goroutine so Connection.Input never
// blocks the single-threaded event loop: a blocking OS read happens off to
// the side, and Input drains whatever has accumulated so far.
type stdinReader struct {
	chunks chan []byte
	closed chan struct{}
}

func newStdinReader() *stdinReader {
	r := &stdinReader{chunks: make(chan []byte, 64), closed: make(chan struct{})}
	go r.loop()
	return r
}

func (r *stdinReader) loop() {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.chunks <- chunk
		}
		if err != nil {
			close(r.closed)
			return
		}
	}
}

// Input returns whatever's immediately available, 0 if nothing has arrived
// yet, or -1 once stdin has reached EOF and every buffered chunk is drained.
func (r *stdinReader) Input(buf []byte) int {
	select {
	case chunk := <-r.chunks:
		return copy(buf, chunk)
	default:
	}
	select {
	case <-r.closed:
		return -1
	default:
		return 0
	}
}
