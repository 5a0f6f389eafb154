// Package stream opens the TCP connection to the forwarded audio socket.
package stream

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kerollosy/sndcpy/internal/logging"
)

var log = logging.L("stream")

// Connect opens a blocking TCP connection to the forwarded port on the
// loopback interface. A zero timeout waits indefinitely. Failures are fatal
// to the run and not retried; the port must match the forward set up during
// provisioning.
func Connect(ctx context.Context, port int, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	log.Info("connecting to audio stream", "addr", addr)

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	log.Info("connected", "addr", addr)
	return conn, nil
}
