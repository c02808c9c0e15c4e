package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	for _, l := range []int{0, 1, 1023, 1024, 10 * 1024 * 1024} {
		payload := make([]byte, l)
		for i := range payload {
			payload[i] = byte(i)
		}

		framed := EncodeFrame(payload)

		var got []byte
		consumed, err := Extract(framed, func(p []byte) bool { got = p; return true })
		require.NoError(t, err)
		require.Equal(t, len(framed), consumed)
		require.Equal(t, payload, got)
	}
}

func TestFrame_PartialFrameBuffered(t *testing.T) {
	framed := EncodeFrame([]byte("hello world"))
	partial := framed[:len(framed)-3]

	var called bool
	consumed, err := Extract(partial, func(p []byte) bool { called = true; return true })
	require.NoError(t, err)
	require.False(t, called)
	require.Zero(t, consumed)
}

func TestFrame_MultipleFramesDrainedInOneCall(t *testing.T) {
	buf := append(EncodeFrame([]byte("one")), EncodeFrame([]byte("two"))...)
	buf = append(buf, EncodeFrame([]byte("three"))...)

	var got []string
	consumed, err := Extract(buf, func(p []byte) bool { got = append(got, string(p)); return true })
	require.NoError(t, err)
	require.Equal(t, len(buf), consumed)
	require.Equal(t, []string{"one", "two", "three"}, got)
}

func TestFrame_OversizeRejected(t *testing.T) {
	header := []byte{0x01, 0x00, 0x00, 0x01} // 0x01000001 ~ 16MiB, > 10MiB cap
	_, err := Extract(header, func(p []byte) bool { return true })
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestExtract_StopsWithoutConsumingRejectedFrame(t *testing.T) {
	buf := append(EncodeFrame([]byte("accepted")), EncodeFrame([]byte("rejected"))...)

	var seen []string
	consumed, err := Extract(buf, func(p []byte) bool {
		seen = append(seen, string(p))
		return len(seen) == 1
	})
	require.NoError(t, err)
	require.Equal(t, []string{"accepted"}, seen)
	require.Equal(t, len(EncodeFrame([]byte("accepted"))), consumed)
}

func TestDecodeRequest_Ping(t *testing.T) {
	framed, err := EncodeRequest("ping", nil)
	require.NoError(t, err)

	// [05 00 00 00][04 70 69 6e 67]: a 5-byte payload, the cmdlen byte
	// followed by "ping".
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x00, 0x04, 'p', 'i', 'n', 'g'}, framed)

	var decoded DecodedRequest
	_, err = Extract(framed, func(p []byte) bool {
		decoded, err = DecodeRequest(p)
		require.NoError(t, err)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, "ping", decoded.Command)
	require.Empty(t, decoded.Args)
}

func TestDecodeRequest_Empty(t *testing.T) {
	_, err := DecodeRequest(nil)
	require.ErrorIs(t, err, ErrEmptyRequest)
}

func TestDecodeRequest_Malformed(t *testing.T) {
	// cmd_length says 10 but only 2 bytes follow.
	_, err := DecodeRequest([]byte{10, 'a', 'b'})
	require.ErrorIs(t, err, ErrMalformedRequest)
}
