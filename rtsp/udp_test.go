package rtsp

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestUDPPairPorts(t *testing.T) {
	pair, err := listenUDPPair()
	require.NoError(t, err)
	defer pair.close()
	ports := pair.ports()
	assert.Zero(t, ports[0]%2)
	assert.Equal(t, ports[0]+1, ports[1])
}

func TestUDPReceiverKeepsLargeDatagrams(t *testing.T) {
	pair, err := listenUDPPair()
	require.NoError(t, err)
	r := newUDPReceiver()
	r.add(3, pair)
	r.start()
	defer r.stop()

	c, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(pair.ports()[0])))
	require.NoError(t, err)
	defer c.Close()
	big := bytes.Repeat([]byte{0xAB}, 4000)
	_, err = c.Write(big)
	require.NoError(t, err)

	select {
	case p := <-r.queue:
		assert.Equal(t, 3, p.track)
		assert.False(t, p.rtcp)
		assert.Equal(t, big, p.data)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
}
