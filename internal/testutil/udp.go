package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// StartUDPListener binds a UDP socket on a random loopback port and
// forwards every received datagram to the returned channel. The
// listener is torn down with t.Cleanup.
func StartUDPListener(t *testing.T) (*net.UDPAddr, <-chan []byte) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msgs := make(chan []byte, 64)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				close(msgs)
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			msgs <- data
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr), msgs
}

// WaitForDatagram receives one datagram or fails the test after the
// timeout.
func WaitForDatagram(t *testing.T, msgs <-chan []byte, timeout time.Duration) []byte {
	t.Helper()

	select {
	case data, ok := <-msgs:
		require.True(t, ok, "listener closed before a datagram arrived")
		return data
	case <-time.After(timeout):
		t.Fatalf("no datagram received within %v", timeout)
		return nil
	}
}
