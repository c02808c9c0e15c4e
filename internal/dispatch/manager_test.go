//go:build linux
// +build linux

package dispatch

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casketlabs/casketd/internal/wire"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "casketd.sock")
	cfg := DefaultConfig(socketPath)
	cfg.PollTimeout = 10 * time.Millisecond
	cfg.ConnectionTimeout = 200 * time.Millisecond
	cfg.RequestTimeout = 150 * time.Millisecond
	cfg.ReaperInterval = 20 * time.Millisecond
	cfg.MaxConnections = 64
	cfg.MaxRequests = 64

	m := New(cfg, zap.NewNop())
	RegisterExampleHandlers(m)

	ok, err := m.Start()
	require.NoError(t, err)
	require.True(t, ok)

	go m.Run()
	t.Cleanup(m.Stop)

	return m, socketPath
}

func dial(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", socketPath)
		return err == nil
	}, time.Second, time.Millisecond)
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, cmd string, args []byte) []byte {
	t.Helper()

	packet, err := wire.EncodeRequest(cmd, args)
	require.NoError(t, err)

	_, err = conn.Write(packet)
	require.NoError(t, err)

	var header [wire.LengthPrefixSize]byte
	_, err = io.ReadFull(conn, header[:])
	require.NoError(t, err)

	length := binary.LittleEndian.Uint32(header[:])
	payload := make([]byte, length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

func TestManager_Ping(t *testing.T) {
	_, socketPath := newTestManager(t)
	conn := dial(t, socketPath)
	defer conn.Close()

	resp := roundTrip(t, conn, "ping", nil)
	require.Equal(t, "pong", string(resp))
}

func TestManager_Echo(t *testing.T) {
	_, socketPath := newTestManager(t)
	conn := dial(t, socketPath)
	defer conn.Close()

	resp := roundTrip(t, conn, "echo", []byte("Hello World"))
	require.Equal(t, "Hello World", string(resp))
}

func TestManager_MathAdd(t *testing.T) {
	_, socketPath := newTestManager(t)
	conn := dial(t, socketPath)
	defer conn.Close()

	args := make([]byte, 17)
	args[0] = '+'
	binary.LittleEndian.PutUint64(args[1:9], math.Float64bits(15.7))
	binary.LittleEndian.PutUint64(args[9:17], math.Float64bits(3.2))

	resp := roundTrip(t, conn, "math", args)
	require.Len(t, resp, 8)

	result := math.Float64frombits(binary.LittleEndian.Uint64(resp))
	require.InDelta(t, 18.9, result, 1e-9)
}

func TestManager_UnknownCommand(t *testing.T) {
	_, socketPath := newTestManager(t)
	conn := dial(t, socketPath)
	defer conn.Close()

	resp := roundTrip(t, conn, "bogus", nil)
	require.Equal(t, "ERROR: Unknown command: bogus", string(resp))
}

func TestManager_OversizeFrameClosesConnection(t *testing.T) {
	_, socketPath := newTestManager(t)
	conn := dial(t, socketPath)
	defer conn.Close()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 0x01000001) // ~16MiB, exceeds the 10MiB cap
	_, err := conn.Write(header[:])
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestManager_GracefulShutdownUnderLoad(t *testing.T) {
	m, socketPath := newTestManager(t)

	const concurrency = 50
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			conn, err := net.Dial("unix", socketPath)
			if err != nil {
				return
			}
			defer conn.Close()
			packet, _ := wire.EncodeRequest("ping", nil)
			conn.Write(packet)
			buf := make([]byte, 64)
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			conn.Read(buf)
		}()
	}
	wg.Wait()

	m.Stop()

	require.False(t, m.IsRunning())
	_, err := os.Stat(socketPath)
	require.True(t, os.IsNotExist(err))

	snap := m.Statistics()
	require.Zero(t, snap.ActiveConnections)
	require.Zero(t, snap.PendingRequests)
}
