// Package session owns the live streaming resources for one run and drives
// the playback loop.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/kerollosy/sndcpy/internal/logging"
)

var log = logging.L("session")

// ChunkSize is the maximum socket read per loop iteration.
const ChunkSize = 4096

// Sink consumes PCM bytes. *audio.Player implements it.
type Sink interface {
	Write(data []byte) error
	Close() error
}

// Session holds the stream connection and the audio sink together: both are
// open while streaming and both are released at teardown. The playback loop
// never runs with only one of them.
type Session struct {
	conn net.Conn
	sink Sink

	interrupted atomic.Bool
	connOnce    sync.Once
	sinkOnce    sync.Once
}

func New(conn net.Conn, sink Sink) *Session {
	return &Session{conn: conn, sink: sink}
}

// Stream copies socket bytes to the sink until the peer closes, an I/O
// error occurs, or Shutdown is called. Peer close and shutdown are normal
// terminations and return nil. I/O errors are returned for the caller to
// report; they do not skip teardown.
func (s *Session) Stream() error {
	log.Info("streaming audio, press ctrl+c to stop")

	buf := make([]byte, ChunkSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if werr := s.sink.Write(buf[:n]); werr != nil {
				if s.interrupted.Load() {
					return nil
				}
				return fmt.Errorf("audio write: %w", werr)
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Info("connection closed by device")
				return nil
			case s.interrupted.Load() || errors.Is(err, net.ErrClosed):
				log.Info("stopping")
				return nil
			default:
				return fmt.Errorf("socket read: %w", err)
			}
		}
	}
}

// Shutdown unblocks a Stream in progress by closing the connection. Safe to
// call from the signal-handler goroutine at any point, including before
// Stream starts.
func (s *Session) Shutdown() {
	s.interrupted.Store(true)
	s.closeConn()
}

// Close releases the connection and the audio sink. Idempotent; each handle
// is nil-checked and released exactly once, so it tolerates partially
// initialized sessions.
func (s *Session) Close() error {
	s.closeConn()
	var err error
	s.sinkOnce.Do(func() {
		if s.sink != nil {
			err = s.sink.Close()
		}
	})
	return err
}

func (s *Session) closeConn() {
	s.connOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
