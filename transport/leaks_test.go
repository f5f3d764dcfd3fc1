package transport

import (
	"flag"
	"testing"

	"github.com/getlantern/fdcount"
	"github.com/stretchr/testify/require"
)

var runs = flag.Int("leak-runs", 1, "number of times to run leak tests")

// TestFileDescriptorLeak is used to ensure that closing a Conn releases its socket.
func TestFileDescriptorLeak(t *testing.T) {
	flag.Parse()

	_, tcpFileDescriptors, err := fdcount.Matching("TCP")
	require.NoError(t, err)

	for i := 0; i < *runs; i++ {
		TestConn(t)
	}

	require.NoError(t, tcpFileDescriptors.AssertDelta(0))
}
