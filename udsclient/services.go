package udsclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/marcinbor85/gohex"

	"github.com/LoveWonYoung/microuds/services"
	"github.com/LoveWonYoung/microuds/uds"
)

// SessionControl 切换诊断会话，返回 ECU 报告的 P2/P2* 时间 (毫秒)。
func (c *Client) SessionControl(ctx context.Context, session byte) (p2, p2Star uint32, err error) {
	resp, err := c.Request(ctx, uds.SIDDiagnosticSessionControl, session)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 2 || resp[1] != session {
		return 0, 0, fmt.Errorf("会话响应不匹配: % X", resp)
	}
	if len(resp) >= 6 {
		p2 = bigToInt(resp[2:4])
		p2Star = bigToInt(resp[4:6]) * 10
	}
	return p2, p2Star, nil
}

// TesterPresent 保持当前会话；suppress 为 true 时不等待响应。
func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	if suppress {
		return c.Send(ctx, []byte{uds.SIDTesterPresent, uds.SuppressPositiveResponse})
	}
	_, err := c.Request(ctx, uds.SIDTesterPresent, 0x00)
	return err
}

// ECUReset 请求复位
func (c *Client) ECUReset(ctx context.Context, kind byte) error {
	_, err := c.Request(ctx, uds.SIDECUReset, kind)
	return err
}

// Unlock 用 AES-CMAC 种子/密钥算法解锁安全等级 level。
func (c *Client) Unlock(ctx context.Context, level byte, secret []byte) error {
	if level == 0 || level > 0x3F {
		return fmt.Errorf("安全等级 %d 无效", level)
	}
	seedSub := level*2 - 1
	resp, err := c.Request(ctx, uds.SIDSecurityAccess, seedSub)
	if err != nil {
		return fmt.Errorf("请求种子失败: %w", err)
	}
	if len(resp) < 2 || resp[1] != seedSub {
		return fmt.Errorf("种子响应不匹配: % X", resp)
	}
	seed := resp[2:]
	if len(seed) == 0 || bytes.Count(seed, []byte{0}) == len(seed) {
		log.Printf("[udsclient] 安全等级 %d 已解锁", level)
		return nil
	}

	key, err := services.ComputeKey(secret, seed)
	if err != nil {
		return err
	}
	req := append([]byte{uds.SIDSecurityAccess, seedSub + 1}, key...)
	if _, err := c.RequestWithContext(ctx, req, DefaultRequestOptions()); err != nil {
		return fmt.Errorf("发送密钥失败: %w", err)
	}
	log.Printf("[udsclient] 安全等级 %d 解锁成功", level)
	return nil
}

// RequestDownload 发送 0x34 (4 字节地址和长度)，返回 ECU 接受的最大块长度。
func (c *Client) RequestDownload(ctx context.Context, address, size uint32) (int, error) {
	req := []byte{uds.SIDRequestDownload, 0x00, 0x44}
	req = append(req, intToBig(address)...)
	req = append(req, intToBig(size)...)
	resp, err := c.RequestWithContext(ctx, req, DefaultRequestOptions())
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("下载响应长度错误: % X", resp)
	}
	n := int(resp[1] >> 4)
	if n == 0 || n > 4 || len(resp) < 2+n {
		return 0, fmt.Errorf("lengthFormatIdentifier 0x%02X 无效", resp[1])
	}
	maxBlock := int(bigToInt(resp[2 : 2+n]))
	if maxBlock < 3 {
		return 0, fmt.Errorf("最大块长度 %d 过小", maxBlock)
	}
	return maxBlock, nil
}

// Download 把 data 写入 address：0x34，按块 0x36，最后 0x37。
func (c *Client) Download(ctx context.Context, address uint32, data []byte) error {
	maxBlock, err := c.RequestDownload(ctx, address, uint32(len(data)))
	if err != nil {
		return fmt.Errorf("请求下载失败: %w", err)
	}
	// 每块需要留出 SID 和块序号
	blocks := splitBlock(data, maxBlock-2)
	for i, blk := range blocks {
		bsc := byte(i + 1)
		req := append([]byte{uds.SIDTransferData, bsc}, blk...)
		resp, err := c.RequestWithContext(ctx, req, DefaultRequestOptions())
		if err != nil {
			return fmt.Errorf("传输第 %d/%d 块失败: %w", i+1, len(blocks), err)
		}
		// 块序号为 0 时 ECU 不回显
		if len(resp) >= 2 && resp[1] != bsc {
			return fmt.Errorf("块序号回显不匹配: 期望 0x%02X, 收到 0x%02X", bsc, resp[1])
		}
	}
	if _, err := c.Request(ctx, uds.SIDRequestTransferExit); err != nil {
		return fmt.Errorf("退出传输失败: %w", err)
	}
	log.Printf("[udsclient] 0x%08X 写入 %d 字节, %d 块", address, len(data), len(blocks))
	return nil
}

// FlashHex 解析 Intel HEX 镜像，逐段下载。
func (c *Client) FlashHex(ctx context.Context, r io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return fmt.Errorf("解析 HEX 失败: %w", err)
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return fmt.Errorf("HEX 文件不含数据")
	}
	for _, seg := range segments {
		if err := c.Download(ctx, seg.Address, seg.Data); err != nil {
			return fmt.Errorf("段 0x%08X: %w", seg.Address, err)
		}
	}
	return nil
}

func splitBlock(data []byte, blockSize int) [][]byte {
	var blocks [][]byte
	for i := 0; i < len(data); i += blockSize {
		end := min(i+blockSize, len(data))
		blocks = append(blocks, data[i:end])
	}
	return blocks
}

func intToBig(num uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, num)
}

// bigToInt 解析最多 4 字节的大端整数
func bigToInt(buf []byte) uint32 {
	if len(buf) < 4 {
		padded := make([]byte, 4)
		copy(padded[4-len(buf):], buf)
		buf = padded
	}
	return binary.BigEndian.Uint32(buf)
}
