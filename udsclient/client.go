// Package udsclient is the tester side of the diagnostic link: it sends UDS
// requests over ISO-TP, honouring the ECU's flow control, and waits for the
// matching response.
package udsclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LoveWonYoung/microuds/driver"
	"github.com/LoveWonYoung/microuds/isotp"
	"github.com/LoveWonYoung/microuds/uds"
)

const (
	responsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时
	defaultMaxRetries      = 3                       // 默认最大重试次数
	defaultMaxWaitFrames   = 20                      // 连续收到 FC.WAIT 的上限
)

// Link 是客户端需要的帧收发能力，*driver.Adapter 满足该接口。
type Link interface {
	Transmit(frame isotp.Frame) error
	Frames() <-chan isotp.Frame
}

// Config 是 ISO-TP 层参数
type Config struct {
	BitOrder      isotp.BitOrder
	BlockSize     byte          // 接收多帧响应时通告的 BS
	STmin         byte          // 接收多帧响应时通告的 STmin
	TimeoutNBs    time.Duration // 等待流控帧
	TimeoutNCr    time.Duration // 等待连续帧
	MaxWaitFrames int
}

func DefaultConfig() Config {
	return Config{
		BitOrder:      isotp.LSBFirst,
		TimeoutNBs:    time.Second,
		TimeoutNCr:    time.Second,
		MaxWaitFrames: defaultMaxWaitFrames,
	}
}

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout    time.Duration // 单次请求超时
	MaxRetries int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay time.Duration // 重试间隔
}

// DefaultRequestOptions 返回默认请求选项
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:    500 * time.Millisecond,
		MaxRetries: defaultMaxRetries,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Client 是诊断仪一侧的客户端。同一时刻只有一个请求在途。
type Client struct {
	link   Link
	codec  isotp.Codec
	cfg    Config
	closer func()

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New 在已有的链路上创建客户端，Close 不会关闭 link。
func New(link Link, cfg Config) *Client {
	if cfg.TimeoutNBs <= 0 {
		cfg.TimeoutNBs = time.Second
	}
	if cfg.TimeoutNCr <= 0 {
		cfg.TimeoutNCr = time.Second
	}
	if cfg.MaxWaitFrames <= 0 {
		cfg.MaxWaitFrames = defaultMaxWaitFrames
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		link:   link,
		codec:  isotp.NewCodec(cfg.BitOrder),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dial 初始化 dev 并在 txID/rxID 上建立客户端，Close 时一并停止驱动。
func Dial(dev driver.CANDriver, txID, rxID uint32, cfg Config) (*Client, error) {
	adapter, err := driver.NewAdapter(dev, txID, rxID)
	if err != nil {
		return nil, fmt.Errorf("无法创建适配器: %w", err)
	}
	c := New(adapter, cfg)
	c.closer = adapter.Close
	log.Println("UDS客户端已成功初始化并启动。")
	return c, nil
}

// Send 只发送请求，不等待响应。用于抑制了正响应的请求。
func (c *Client) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("请求 payload 不能为空")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsClosed() {
		return ErrClosed
	}
	c.drain()
	return c.send(ctx, payload)
}

// RequestWithContext 发送 UDS 请求并等待响应，支持 Context 取消。
//   - 负响应转换为 *UDSError
//   - 可重试的负响应 (0x21/0x78) 按 opts 重试
//   - 正响应的 SID 必须是请求 SID+0x40
func (c *Client) RequestWithContext(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("请求 payload 不能为空")
	}

	requestSID := payload[0]
	expectedResponseSID := requestSID + uds.ResponseOffset

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("UDS 请求重试 (%d/%d), SID=0x%02X", attempt, opts.MaxRetries, requestSID)
			if err := pause(ctx, opts.RetryDelay); err != nil {
				return nil, err
			}
		}

		response, err := c.singleRequest(ctx, payload, opts.Timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			var udsErr *UDSError
			if errors.As(err, &udsErr) && udsErr.IsRetryable() && attempt < opts.MaxRetries {
				lastErr = err
				continue
			}
			return nil, err
		}

		if response[0] != expectedResponseSID {
			return nil, fmt.Errorf("响应 SID 不匹配: 期望 0x%02X, 收到 0x%02X", expectedResponseSID, response[0])
		}
		return response, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("达到最大重试次数 (%d): %w", opts.MaxRetries, lastErr)
	}
	return nil, errors.New("未知错误")
}

// singleRequest 执行单次请求（不含重试逻辑）
func (c *Client) singleRequest(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsClosed() {
		return nil, ErrClosed
	}

	c.drain()
	if err := c.send(ctx, payload); err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		data, err := c.receive(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if data[0] != uds.NegativeResponseSID {
			return data, nil
		}
		if len(data) < 3 {
			return nil, fmt.Errorf("负响应长度错误: % X", data)
		}
		nrc := uds.ResponseCode(data[2])
		if nrc == uds.NRCResponsePending {
			deadline = time.Now().Add(responsePendingTimeout)
			log.Printf("收到 Response Pending (SID=0x%02X)，继续等待...", data[1])
			continue
		}
		return nil, newUDSError(data[1], nrc)
	}
}

// Request 简化版请求函数，使用默认选项
func (c *Client) Request(ctx context.Context, payload ...byte) ([]byte, error) {
	return c.RequestWithContext(ctx, payload, DefaultRequestOptions())
}

// RequestWithTimeout 带自定义超时的请求函数
func (c *Client) RequestWithTimeout(payload []byte, timeout time.Duration) ([]byte, error) {
	opts := DefaultRequestOptions()
	opts.Timeout = timeout
	return c.RequestWithContext(context.Background(), payload, opts)
}

// Close 关闭客户端；由 Dial 创建时同时关闭驱动。
func (c *Client) Close() {
	c.cancel()
	if c.closer != nil {
		c.closer()
	}
}

// IsClosed 检查客户端是否已关闭
func (c *Client) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}
