package udsclient

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/microuds/isotp"
	"github.com/LoveWonYoung/microuds/uds"
)

// ============================================================================
// 脚本化链路
// ============================================================================

// scriptLink 记录发出的帧，并在每次发送时调用 onTx 决定回送哪些帧
type scriptLink struct {
	rx chan isotp.Frame

	mu   sync.Mutex
	sent []isotp.Frame
	onTx func(f isotp.Frame)
}

func newScriptLink(t *testing.T) *scriptLink {
	t.Helper()
	prev := log.Writer()
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &scriptLink{rx: make(chan isotp.Frame, 64)}
}

func (l *scriptLink) Transmit(f isotp.Frame) error {
	l.mu.Lock()
	l.sent = append(l.sent, f)
	fn := l.onTx
	l.mu.Unlock()
	if fn != nil {
		fn(f)
	}
	return nil
}

func (l *scriptLink) Frames() <-chan isotp.Frame { return l.rx }

func (l *scriptLink) push(frames ...isotp.Frame) {
	for _, f := range frames {
		l.rx <- f
	}
}

func (l *scriptLink) Sent() []isotp.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]isotp.Frame(nil), l.sent...)
}

var codec = isotp.DefaultCodec

func sf(payload ...byte) isotp.Frame {
	var f isotp.Frame
	if err := codec.PackSingle(&f, payload, len(payload)); err != nil {
		panic(err)
	}
	return f
}

func fc(status isotp.FlowStatus, bs, st byte) isotp.Frame {
	var f isotp.Frame
	_ = codec.PackFlowControl(&f, bs, st, status)
	return f
}

// segment 把 payload 切成首帧和连续帧
func segment(payload []byte) []isotp.Frame {
	var f isotp.Frame
	if err := codec.PackFirst(&f, payload, len(payload)); err != nil {
		panic(err)
	}
	frames := []isotp.Frame{f}
	sn := byte(1)
	for rest := payload[isotp.FirstFramePayload:]; len(rest) > 0; {
		n := min(len(rest), isotp.MaxConsecutiveLength)
		_ = codec.PackConsecutive(&f, rest, n, sn)
		frames = append(frames, f)
		rest = rest[n:]
		sn = (sn + 1) & isotp.MaxSequenceNumber
	}
	return frames
}

func fast() RequestOptions {
	return RequestOptions{Timeout: 100 * time.Millisecond}
}

// ============================================================================
// 请求/响应
// ============================================================================

func TestRequest_SingleFrame(t *testing.T) {
	link := newScriptLink(t)
	link.onTx = func(isotp.Frame) { link.push(sf(0x62, 0xF1, 0x90, 0x01)) }
	c := New(link, DefaultConfig())
	defer c.Close()

	resp, err := c.Request(context.Background(), 0x22, 0xF1, 0x90)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x62, 0xF1, 0x90, 0x01}, resp)
	assert.Equal(t, []isotp.Frame{sf(0x22, 0xF1, 0x90)}, link.Sent())
}

func TestRequest_NegativeResponse(t *testing.T) {
	link := newScriptLink(t)
	link.onTx = func(isotp.Frame) { link.push(sf(0x7F, 0x22, 0x31)) }
	c := New(link, DefaultConfig())

	_, err := c.RequestWithContext(context.Background(), []byte{0x22, 0xF1, 0x90}, fast())
	var udsErr *UDSError
	require.True(t, errors.As(err, &udsErr))
	assert.Equal(t, byte(0x22), udsErr.ServiceID)
	assert.Equal(t, uds.NRCRequestOutOfRange, udsErr.NRC)
	assert.Equal(t, "请求超出范围", udsErr.Message)
	assert.False(t, udsErr.IsRetryable())
}

func TestRequest_ResponsePending(t *testing.T) {
	link := newScriptLink(t)
	link.onTx = func(isotp.Frame) {
		link.push(sf(0x7F, 0x31, 0x78), sf(0x7F, 0x31, 0x78), sf(0x71, 0x01, 0xFF, 0x00))
	}
	c := New(link, DefaultConfig())

	resp, err := c.RequestWithContext(context.Background(), []byte{0x31, 0x01, 0xFF, 0x00}, fast())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x71, 0x01, 0xFF, 0x00}, resp)
}

func TestRequest_RetryBusy(t *testing.T) {
	link := newScriptLink(t)
	calls := 0
	link.onTx = func(isotp.Frame) {
		calls++
		if calls == 1 {
			link.push(sf(0x7F, 0x10, 0x21))
			return
		}
		link.push(sf(0x50, 0x03))
	}
	c := New(link, DefaultConfig())

	opts := fast()
	opts.MaxRetries = 2
	opts.RetryDelay = time.Millisecond
	resp, err := c.RequestWithContext(context.Background(), []byte{0x10, 0x03}, opts)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x03}, resp)
	assert.Equal(t, 2, calls)

	calls = 0
	link.onTx = func(isotp.Frame) { calls++; link.push(sf(0x7F, 0x10, 0x21)) }
	_, err = c.RequestWithContext(context.Background(), []byte{0x10, 0x03}, opts)
	var udsErr *UDSError
	require.True(t, errors.As(err, &udsErr))
	assert.Equal(t, uds.NRCBusyRepeatRequest, udsErr.NRC)
	assert.Equal(t, 3, calls)
}

func TestRequest_Timeout(t *testing.T) {
	link := newScriptLink(t)
	c := New(link, DefaultConfig())

	_, err := c.RequestWithContext(context.Background(), []byte{0x3E, 0x00}, RequestOptions{Timeout: 10 * time.Millisecond})
	var te TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "响应", te.Waiting)
}

func TestRequest_ContextCancel(t *testing.T) {
	link := newScriptLink(t)
	c := New(link, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.RequestWithContext(ctx, []byte{0x3E, 0x00}, DefaultRequestOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequest_SIDMismatch(t *testing.T) {
	link := newScriptLink(t)
	link.onTx = func(isotp.Frame) { link.push(sf(0x50, 0x01)) }
	c := New(link, DefaultConfig())

	_, err := c.RequestWithContext(context.Background(), []byte{0x11, 0x01}, fast())
	assert.ErrorContains(t, err, "响应 SID 不匹配")
}

func TestRequest_DrainsStaleFrames(t *testing.T) {
	link := newScriptLink(t)
	link.push(sf(0x7E, 0x00), fc(isotp.FlowStatusContinueToSend, 0, 0))
	link.onTx = func(isotp.Frame) { link.push(sf(0x51, 0x01)) }
	c := New(link, DefaultConfig())

	resp, err := c.RequestWithContext(context.Background(), []byte{0x11, 0x01}, fast())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x51, 0x01}, resp)
}

func TestRequest_EmptyAndClosed(t *testing.T) {
	link := newScriptLink(t)
	c := New(link, DefaultConfig())

	_, err := c.RequestWithContext(context.Background(), nil, fast())
	assert.Error(t, err)

	c.Close()
	assert.True(t, c.IsClosed())
	_, err = c.RequestWithContext(context.Background(), []byte{0x3E, 0x00}, fast())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Send(context.Background(), []byte{0x3E, 0x80}), ErrClosed)
}

// ============================================================================
// 多帧发送与流控
// ============================================================================

func TestSend_FlowControl(t *testing.T) {
	link := newScriptLink(t)
	payload := []byte{0x2E, 0xF1, 0x90}
	for i := 0; i < 17; i++ {
		payload = append(payload, byte(i))
	}

	cfs := 0
	link.onTx = func(f isotp.Frame) {
		switch codec.Type(&f) {
		case isotp.TypeFirst:
			link.push(fc(isotp.FlowStatusWait, 0, 0), fc(isotp.FlowStatusContinueToSend, 1, 0xF5))
		case isotp.TypeConsecutive:
			cfs++
			if cfs == 1 {
				link.push(fc(isotp.FlowStatusContinueToSend, 1, 0))
			} else {
				link.push(sf(0x6E, 0xF1, 0x90))
			}
		}
	}
	c := New(link, DefaultConfig())

	resp, err := c.RequestWithContext(context.Background(), payload, fast())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x6E, 0xF1, 0x90}, resp)
	assert.Equal(t, segment(payload), link.Sent())
}

func TestSend_BlockSizeAndSTmin(t *testing.T) {
	link := newScriptLink(t)
	payload := make([]byte, 40)
	payload[0] = 0x2E

	link.onTx = func(f isotp.Frame) {
		switch codec.Type(&f) {
		case isotp.TypeFirst:
			link.push(fc(isotp.FlowStatusContinueToSend, 0, 2))
		case isotp.TypeConsecutive:
			if f[0]&0x0F == 5 {
				link.push(sf(0x6E))
			}
		}
	}
	c := New(link, DefaultConfig())

	start := time.Now()
	_, err := c.RequestWithContext(context.Background(), payload, fast())
	require.NoError(t, err)
	// 5 个连续帧之间 4 个间隔
	assert.GreaterOrEqual(t, time.Since(start), 8*time.Millisecond)
	assert.Len(t, link.Sent(), 6)
}

func TestSend_FlowControlErrors(t *testing.T) {
	payload := make([]byte, 20)
	payload[0] = 0x2E

	t.Run("溢出", func(t *testing.T) {
		link := newScriptLink(t)
		link.onTx = func(f isotp.Frame) {
			if codec.Type(&f) == isotp.TypeFirst {
				link.push(fc(isotp.FlowStatusOverflow, 0, 0))
			}
		}
		_, err := New(link, DefaultConfig()).RequestWithContext(context.Background(), payload, fast())
		var fe FlowControlError
		require.True(t, errors.As(err, &fe))
		assert.Contains(t, fe.Reason, "溢出")
	})

	t.Run("等待帧过多", func(t *testing.T) {
		link := newScriptLink(t)
		link.onTx = func(f isotp.Frame) {
			if codec.Type(&f) == isotp.TypeFirst {
				for i := 0; i < 3; i++ {
					link.push(fc(isotp.FlowStatusWait, 0, 0))
				}
			}
		}
		cfg := DefaultConfig()
		cfg.MaxWaitFrames = 2
		_, err := New(link, cfg).RequestWithContext(context.Background(), payload, fast())
		var fe FlowControlError
		assert.True(t, errors.As(err, &fe))
	})

	t.Run("流控超时", func(t *testing.T) {
		link := newScriptLink(t)
		cfg := DefaultConfig()
		cfg.TimeoutNBs = 10 * time.Millisecond
		_, err := New(link, cfg).RequestWithContext(context.Background(), payload, fast())
		var te TimeoutError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "流控帧", te.Waiting)
	})

	t.Run("过长", func(t *testing.T) {
		link := newScriptLink(t)
		_, err := New(link, DefaultConfig()).RequestWithContext(context.Background(), make([]byte, 4096), fast())
		assert.Error(t, err)
		assert.Empty(t, link.Sent())
	})
}

func TestSeparationTime(t *testing.T) {
	tests := []struct {
		st   byte
		want time.Duration
	}{
		{0x00, 0},
		{0x0A, 10 * time.Millisecond},
		{0x7F, 127 * time.Millisecond},
		{0xF1, 100 * time.Microsecond},
		{0xF9, 900 * time.Microsecond},
		{0x80, 127 * time.Millisecond},
		{0xFA, 127 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeparationTime(tt.st), "STmin 0x%02X", tt.st)
	}
}

// ============================================================================
// 多帧接收
// ============================================================================

func TestReceive_MultiFrame(t *testing.T) {
	link := newScriptLink(t)
	resp := []byte{0x62, 0xF1, 0x90}
	for i := 0; i < 17; i++ {
		resp = append(resp, 'A'+byte(i))
	}
	frames := segment(resp)

	next := 0
	link.onTx = func(f isotp.Frame) {
		switch codec.Type(&f) {
		case isotp.TypeSingle, isotp.TypeFlowControl:
			link.push(frames[next])
			next++
		}
	}
	cfg := DefaultConfig()
	cfg.BlockSize = 1
	c := New(link, cfg)

	got, err := c.RequestWithContext(context.Background(), []byte{0x22, 0xF1, 0x90}, fast())
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	// 请求 + 首帧后的流控 + 第一个连续帧后的流控
	sent := link.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, fc(isotp.FlowStatusContinueToSend, 1, 0), sent[1])
	assert.Equal(t, sent[1], sent[2])
}

func TestReceive_SequenceError(t *testing.T) {
	link := newScriptLink(t)
	resp := make([]byte, 20)
	resp[0] = 0x62
	frames := segment(resp)
	link.onTx = func(f isotp.Frame) {
		if codec.Type(&f) == isotp.TypeSingle {
			link.push(frames[0], frames[2])
		}
	}
	c := New(link, DefaultConfig())

	_, err := c.RequestWithContext(context.Background(), []byte{0x22, 0xF1, 0x90}, fast())
	assert.ErrorContains(t, err, "序号")
}

// ============================================================================
// 错误与工具函数
// ============================================================================

// TestUDSError_Error 测试 UDSError 的错误消息格式
func TestUDSError_Error(t *testing.T) {
	err := newUDSError(0x22, uds.NRCServiceNotSupported)
	assert.Equal(t, "UDS 负响应: SID=0x22, NRC=0x11 (服务不支持)", err.Error())
}

// TestUDSError_IsRetryable 测试错误是否可重试
func TestUDSError_IsRetryable(t *testing.T) {
	tests := []struct {
		nrc       uds.ResponseCode
		retryable bool
	}{
		{uds.NRCBusyRepeatRequest, true},
		{uds.NRCResponsePending, true},
		{uds.NRCServiceNotSupported, false},
		{uds.NRCSecurityAccessDenied, false},
		{uds.NRCConditionsNotCorrect, false},
	}
	for _, tc := range tests {
		err := &UDSError{NRC: tc.nrc}
		assert.Equal(t, tc.retryable, err.IsRetryable(), "NRC=%s", tc.nrc)
	}
}

// TestGetNRCDescription 测试 NRC 描述获取
func TestGetNRCDescription(t *testing.T) {
	assert.Equal(t, "一般拒绝", getNRCDescription(uds.NRCGeneralReject))
	assert.Equal(t, "响应挂起", getNRCDescription(uds.NRCResponsePending))
	assert.Equal(t, "voltage too low", getNRCDescription(uds.NRCVoltageTooLow))
	assert.Equal(t, "未知错误", getNRCDescription(0x99))
}

// TestDefaultRequestOptions 测试默认选项
func TestDefaultRequestOptions(t *testing.T) {
	opts := DefaultRequestOptions()
	assert.Equal(t, 500*time.Millisecond, opts.Timeout)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, opts.RetryDelay)
}

func TestBlockHelpers(t *testing.T) {
	blocks := splitBlock(make([]byte, 10), 4)
	require.Len(t, blocks, 3)
	assert.Len(t, blocks[2], 2)
	assert.Nil(t, splitBlock(nil, 4))

	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, intToBig(0x00010203))
	assert.Equal(t, uint32(0x0FFF), bigToInt([]byte{0x0F, 0xFF}))
	assert.Equal(t, uint32(0x12345678), bigToInt([]byte{0x12, 0x34, 0x56, 0x78}))
}

func BenchmarkUDSError_Error(b *testing.B) {
	err := newUDSError(0x22, uds.NRCServiceNotSupported)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = err.Error()
	}
}
