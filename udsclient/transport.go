package udsclient

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LoveWonYoung/microuds/isotp"
)

// SeparationTime 把流控帧中的 STmin 字节换算为时长。
// 0x00-0x7F 为毫秒，0xF1-0xF9 为 100-900 微秒，其余保留值按 127ms 处理。
func SeparationTime(st byte) time.Duration {
	switch {
	case st <= 0x7F:
		return time.Duration(st) * time.Millisecond
	case st >= 0xF1 && st <= 0xF9:
		return time.Duration(st-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}

// next 等待下一帧，直到 deadline。
func (c *Client) next(ctx context.Context, deadline time.Time, waiting string) (isotp.Frame, error) {
	d := time.Until(deadline)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return isotp.Frame{}, ctx.Err()
	case <-c.ctx.Done():
		return isotp.Frame{}, ErrClosed
	case f, ok := <-c.link.Frames():
		if !ok {
			return isotp.Frame{}, ErrClosed
		}
		return f, nil
	case <-timer.C:
		return isotp.Frame{}, TimeoutError{Waiting: waiting, After: d}
	}
}

// drain 丢弃上一次请求之后残留的帧
func (c *Client) drain() {
	for {
		select {
		case f, ok := <-c.link.Frames():
			if !ok {
				return
			}
			log.Printf("[udsclient] 丢弃残留帧 %s", f)
		default:
			return
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// send 以单帧或首帧+连续帧发送 payload，多帧时遵守对端的 BS 和 STmin。
func (c *Client) send(ctx context.Context, payload []byte) error {
	var f isotp.Frame
	if len(payload) <= isotp.MaxSingleLength {
		if err := c.codec.PackSingle(&f, payload, len(payload)); err != nil {
			return err
		}
		return c.link.Transmit(f)
	}

	if err := c.codec.PackFirst(&f, payload, len(payload)); err != nil {
		return err
	}
	if err := c.link.Transmit(f); err != nil {
		return err
	}

	rest := payload[isotp.FirstFramePayload:]
	sn := byte(1)
	for len(rest) > 0 {
		bs, stmin, err := c.awaitFlowControl(ctx)
		if err != nil {
			return err
		}
		for sent := 0; len(rest) > 0 && (bs == 0 || sent < int(bs)); sent++ {
			if sent > 0 {
				if err := pause(ctx, stmin); err != nil {
					return err
				}
			}
			n := min(len(rest), isotp.MaxConsecutiveLength)
			if err := c.codec.PackConsecutive(&f, rest, n, sn); err != nil {
				return err
			}
			if err := c.link.Transmit(f); err != nil {
				return err
			}
			rest = rest[n:]
			sn = (sn + 1) & isotp.MaxSequenceNumber
		}
	}
	return nil
}

// awaitFlowControl 等待 CTS，返回块大小和帧间隔。
func (c *Client) awaitFlowControl(ctx context.Context) (byte, time.Duration, error) {
	waits := 0
	deadline := time.Now().Add(c.cfg.TimeoutNBs)
	for {
		f, err := c.next(ctx, deadline, "流控帧")
		if err != nil {
			return 0, 0, err
		}
		if c.codec.Type(&f) != isotp.TypeFlowControl {
			log.Printf("[udsclient] 等待流控时忽略 %s", f)
			continue
		}
		status, bs, st, err := c.codec.UnpackFlowControl(&f)
		if err != nil {
			return 0, 0, err
		}
		switch status {
		case isotp.FlowStatusContinueToSend:
			return bs, SeparationTime(st), nil
		case isotp.FlowStatusWait:
			waits++
			if waits > c.cfg.MaxWaitFrames {
				return 0, 0, FlowControlError{Reason: fmt.Sprintf("等待帧数量超过 %d", c.cfg.MaxWaitFrames)}
			}
			deadline = time.Now().Add(c.cfg.TimeoutNBs)
		case isotp.FlowStatusOverflow:
			return 0, 0, FlowControlError{Reason: "对方缓冲区溢出"}
		default:
			return 0, 0, FlowControlError{Reason: fmt.Sprintf("无效流状态 %d", status)}
		}
	}
}

// receive 等待一条完整的响应，多帧响应会按本端配置回复流控帧。
func (c *Client) receive(ctx context.Context, deadline time.Time) ([]byte, error) {
	for {
		f, err := c.next(ctx, deadline, "响应")
		if err != nil {
			return nil, err
		}
		switch c.codec.Type(&f) {
		case isotp.TypeSingle:
			data, n, err := c.codec.UnpackSingle(&f)
			if err != nil || n == 0 {
				log.Printf("[udsclient] 丢弃无效单帧 %s", f)
				continue
			}
			return append([]byte(nil), data...), nil
		case isotp.TypeFirst:
			return c.receiveMulti(ctx, &f)
		default:
			log.Printf("[udsclient] 等待响应时忽略 %s", f)
		}
	}
}

func (c *Client) receiveMulti(ctx context.Context, ff *isotp.Frame) ([]byte, error) {
	head, total, err := c.codec.UnpackFirst(ff)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, total)
	buf = append(buf, head...)

	var fc isotp.Frame
	if err := c.codec.PackFlowControl(&fc, c.cfg.BlockSize, c.cfg.STmin, isotp.FlowStatusContinueToSend); err != nil {
		return nil, err
	}
	if err := c.link.Transmit(fc); err != nil {
		return nil, err
	}

	sn := byte(1)
	block := 0
	for len(buf) < total {
		f, err := c.next(ctx, time.Now().Add(c.cfg.TimeoutNCr), "连续帧")
		if err != nil {
			return nil, err
		}
		if c.codec.Type(&f) != isotp.TypeConsecutive {
			log.Printf("[udsclient] 接收多帧时忽略 %s", f)
			continue
		}
		data, got, err := c.codec.UnpackConsecutive(&f)
		if err != nil {
			return nil, err
		}
		if got != sn {
			return nil, fmt.Errorf("连续帧序号错误: 期望 %d, 收到 %d", sn, got)
		}
		n := min(total-len(buf), len(data))
		buf = append(buf, data[:n]...)
		sn = (sn + 1) & isotp.MaxSequenceNumber

		block++
		if c.cfg.BlockSize > 0 && block == int(c.cfg.BlockSize) && len(buf) < total {
			if err := c.link.Transmit(fc); err != nil {
				return nil, err
			}
			block = 0
		}
	}
	return buf, nil
}
