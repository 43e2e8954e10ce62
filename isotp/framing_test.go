package isotp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codecs = []Codec{NewCodec(LSBFirst), NewCodec(MSBFirst)}

// ============================================================================
// 单帧 (Single Frame)
// ============================================================================

func TestPackSingle_Wire(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected Frame
	}{
		{
			name:     "1字节数据",
			data:     []byte{0x3E},
			expected: Frame{0x01, 0x3E},
		},
		{
			name:     "典型UDS请求",
			data:     []byte{0x10, 0x01},
			expected: Frame{0x02, 0x10, 0x01},
		},
		{
			name:     "7字节数据 (CAN最大单帧)",
			data:     []byte{0x22, 0xF1, 0x90, 0x01, 0x02, 0x03, 0x04},
			expected: Frame{0x07, 0x22, 0xF1, 0x90, 0x01, 0x02, 0x03, 0x04},
		},
	}

	for _, tc := range tests {
		for _, c := range codecs {
			t.Run(tc.name+"/"+c.Order().String(), func(t *testing.T) {
				var f Frame
				require.NoError(t, c.PackSingle(&f, tc.data, len(tc.data)))
				assert.Equal(t, tc.expected, f)
			})
		}
	}
}

func TestPackSingle_ZeroPads(t *testing.T) {
	f := Frame{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	require.NoError(t, DefaultCodec.PackSingle(&f, []byte{0xAA, 0xBB, 0xCC}, 1))
	assert.Equal(t, Frame{0x01, 0xAA}, f)
}

func TestPackSingle_Errors(t *testing.T) {
	var f Frame
	var lengthErr LengthError
	var paramErr ParamError

	assert.True(t, errors.As(DefaultCodec.PackSingle(&f, []byte{1}, 0), &lengthErr))
	assert.True(t, errors.As(DefaultCodec.PackSingle(&f, make([]byte, 8), 8), &lengthErr))
	assert.True(t, errors.As(DefaultCodec.PackSingle(nil, []byte{1}, 1), &paramErr))
	assert.True(t, errors.As(DefaultCodec.PackSingle(&f, nil, 1), &paramErr))
	assert.True(t, errors.As(DefaultCodec.PackSingle(&f, []byte{1, 2}, 3), &paramErr))
}

func TestSingle_RoundTrip(t *testing.T) {
	for _, c := range codecs {
		for n := 1; n <= MaxSingleLength; n++ {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(0xA0 + i)
			}
			var f Frame
			require.NoError(t, c.PackSingle(&f, payload, n))

			got, length, err := c.UnpackSingle(&f)
			require.NoError(t, err)
			assert.Equal(t, n, length)
			assert.True(t, bytes.Equal(payload, got), "n=%d: % X != % X", n, payload, got)
		}
	}
}

func TestUnpackSingle_Errors(t *testing.T) {
	var typeErr TypeError
	var lengthErr LengthError

	f := Frame{0x10, 0x08}
	_, _, err := DefaultCodec.UnpackSingle(&f)
	assert.True(t, errors.As(err, &typeErr))

	f = Frame{0x08, 1, 2, 3, 4, 5, 6, 7}
	_, _, err = DefaultCodec.UnpackSingle(&f)
	assert.True(t, errors.As(err, &lengthErr))
}

// ============================================================================
// 首帧 (First Frame)
// ============================================================================

func TestPackFirst_Wire(t *testing.T) {
	payload := []byte{0x36, 0x01, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	for _, c := range codecs {
		var f Frame
		require.NoError(t, c.PackFirst(&f, payload, 0x123))
		assert.Equal(t, Frame{0x11, 0x23, 0x36, 0x01, 0xAA, 0xBB, 0xCC, 0xDD}, f)
	}
}

func TestFirst_RoundTrip(t *testing.T) {
	first := []byte{1, 2, 3, 4, 5, 6}
	for _, c := range codecs {
		for total := MinFirstLength; total <= MaxFirstLength; total++ {
			var f Frame
			require.NoError(t, c.PackFirst(&f, first, total))

			got, length, err := c.UnpackFirst(&f)
			require.NoError(t, err)
			if length != total || !bytes.Equal(got, first) {
				t.Fatalf("total=%d: got length %d data % X", total, length, got)
			}
		}
	}
}

func TestFirst_Errors(t *testing.T) {
	var f Frame
	var lengthErr LengthError
	var typeErr TypeError
	var paramErr ParamError

	payload := make([]byte, 8)
	assert.True(t, errors.As(DefaultCodec.PackFirst(&f, payload, 7), &lengthErr))
	assert.True(t, errors.As(DefaultCodec.PackFirst(&f, payload, 4096), &lengthErr))
	assert.True(t, errors.As(DefaultCodec.PackFirst(&f, payload[:5], 8), &paramErr))

	f = Frame{0x10, 0x07, 1, 2, 3, 4, 5, 6}
	_, _, err := DefaultCodec.UnpackFirst(&f)
	assert.True(t, errors.As(err, &lengthErr))

	f = Frame{0x21, 1, 2, 3, 4, 5, 6, 7}
	_, _, err = DefaultCodec.UnpackFirst(&f)
	assert.True(t, errors.As(err, &typeErr))
}

// ============================================================================
// 流控帧 / 连续帧
// ============================================================================

func TestFlowControl_RoundTrip(t *testing.T) {
	for _, c := range codecs {
		for _, fs := range []FlowStatus{FlowStatusContinueToSend, FlowStatusWait, FlowStatusOverflow} {
			f := Frame{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
			require.NoError(t, c.PackFlowControl(&f, 8, 20, fs))
			assert.Equal(t, Frame{0x30 | byte(fs), 8, 20}, f)

			status, bs, st, err := c.UnpackFlowControl(&f)
			require.NoError(t, err)
			assert.Equal(t, fs, status)
			assert.Equal(t, byte(8), bs)
			assert.Equal(t, byte(20), st)
		}
	}

	var typeErr TypeError
	f := Frame{0x02, 0x10, 0x01}
	_, _, _, err := DefaultCodec.UnpackFlowControl(&f)
	assert.True(t, errors.As(err, &typeErr))
	assert.True(t, errors.As(DefaultCodec.PackFlowControl(nil, 0, 0, 0), new(ParamError)))
}

func TestConsecutive_RoundTrip(t *testing.T) {
	payload := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	for _, c := range codecs {
		for sn := byte(0); sn <= MaxSequenceNumber; sn++ {
			var f Frame
			require.NoError(t, c.PackConsecutive(&f, payload, 3, sn))
			assert.Equal(t, 0x20|sn, f[0])

			data, gotSN, err := c.UnpackConsecutive(&f)
			require.NoError(t, err)
			assert.Equal(t, sn, gotSN)
			assert.Equal(t, []byte{0x11, 0x22, 0x33, 0, 0, 0, 0}, data)
		}
	}
}

func TestConsecutive_Errors(t *testing.T) {
	var f Frame
	var lengthErr LengthError
	var paramErr ParamError
	var typeErr TypeError

	assert.True(t, errors.As(DefaultCodec.PackConsecutive(&f, []byte{1}, 0, 1), &lengthErr))
	assert.True(t, errors.As(DefaultCodec.PackConsecutive(&f, make([]byte, 8), 8, 1), &lengthErr))
	assert.True(t, errors.As(DefaultCodec.PackConsecutive(&f, []byte{1}, 1, 16), &paramErr))

	f = Frame{0x30}
	_, _, err := DefaultCodec.UnpackConsecutive(&f)
	assert.True(t, errors.As(err, &typeErr))
}

// ============================================================================
// 位序 (Bit order)
// ============================================================================

func TestBitOrder_IdenticalWireBytes(t *testing.T) {
	lsb, msb := NewCodec(LSBFirst), NewCodec(MSBFirst)
	payload := []byte{1, 2, 3, 4, 5, 6, 7}

	var a, b Frame
	require.NoError(t, lsb.PackSingle(&a, payload, 5))
	require.NoError(t, msb.PackSingle(&b, payload, 5))
	assert.Equal(t, a, b)

	require.NoError(t, lsb.PackFirst(&a, payload, 0xABC))
	require.NoError(t, msb.PackFirst(&b, payload, 0xABC))
	assert.Equal(t, a, b)

	require.NoError(t, lsb.PackConsecutive(&a, payload, 7, 0x0E))
	require.NoError(t, msb.PackConsecutive(&b, payload, 7, 0x0E))
	assert.Equal(t, a, b)

	for v := 0; v < 256; v++ {
		f := Frame{byte(v)}
		assert.Equal(t, lsb.Type(&f), msb.Type(&f))
	}
}

func TestParseBitOrder(t *testing.T) {
	o, err := ParseBitOrder("msb-first")
	require.NoError(t, err)
	assert.Equal(t, MSBFirst, o)

	o, err = ParseBitOrder("")
	require.NoError(t, err)
	assert.Equal(t, LSBFirst, o)

	_, err = ParseBitOrder("middle")
	assert.Error(t, err)
}
