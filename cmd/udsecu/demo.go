package main

import (
	"context"
	"fmt"
	"log"

	"github.com/LoveWonYoung/microuds/config"
	"github.com/LoveWonYoung/microuds/driver"
	"github.com/LoveWonYoung/microuds/isotp"
	"github.com/LoveWonYoung/microuds/uds"
	"github.com/LoveWonYoung/microuds/udsclient"
)

const demoAddress = 0x08000000

// runDemo 在同一条虚拟总线上扮演诊断仪：切换会话、解锁、下载一段数据、复位
func runDemo(ctx context.Context, cfg *config.Config, vbus *driver.VirtualBus) error {
	order, err := isotp.ParseBitOrder(cfg.Engine.BitOrder)
	if err != nil {
		return err
	}
	secret, err := cfg.Secret()
	if err != nil {
		return err
	}
	ccfg := udsclient.DefaultConfig()
	ccfg.BitOrder = order
	client, err := udsclient.Dial(vbus.Node("tester"), cfg.Bus.RequestID, cfg.Bus.ResponseID, ccfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, _, err := client.SessionControl(ctx, uds.SessionProgramming); err != nil {
		return fmt.Errorf("切换编程会话: %w", err)
	}
	level := cfg.Services.SecurityLevel
	if level == 0 {
		level = 1
	}
	if err := client.Unlock(ctx, level, secret); err != nil {
		return fmt.Errorf("解锁: %w", err)
	}

	image := make([]byte, 256)
	for i := range image {
		image[i] = byte(i)
	}
	if err := client.Download(ctx, demoAddress, image); err != nil {
		return fmt.Errorf("下载: %w", err)
	}
	if err := client.ECUReset(ctx, uds.ResetHard); err != nil {
		return fmt.Errorf("复位: %w", err)
	}
	log.Printf("[demo] 完成: 0x%08X 写入 %d 字节", demoAddress, len(image))
	return nil
}
