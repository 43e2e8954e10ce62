package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/marcinbor85/gohex"

	"github.com/LoveWonYoung/microuds/config"
	"github.com/LoveWonYoung/microuds/driver"
	"github.com/LoveWonYoung/microuds/logrecorder"
	"github.com/LoveWonYoung/microuds/monitor"
	"github.com/LoveWonYoung/microuds/services"
	"github.com/LoveWonYoung/microuds/uds"
)

// ecu 把引擎、标准服务和总线适配器组装成一个模拟 ECU
type ecu struct {
	cfg      *config.Config
	link     *driver.Adapter
	engine   *uds.Engine
	sessions *services.SessionControl
	security *services.SecurityAccess
	download *services.Download
	hub      *monitor.Hub
	trace    *logrecorder.FrameRecorder

	// DumpPath 不为空时，每次下载完成把镜像写成 Intel HEX
	DumpPath string
}

type registrar interface {
	Register(e *uds.Engine) error
}

func newECU(cfg *config.Config, dev driver.CANDriver) (*ecu, error) {
	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	secret, err := cfg.Secret()
	if err != nil {
		return nil, err
	}
	ids, err := cfg.SessionIDs()
	if err != nil {
		return nil, err
	}

	x := &ecu{cfg: cfg}
	x.sessions = services.NewSessionControl(ids...)
	x.sessions.OnChange(func(from, to byte) {
		log.Printf("[ecu] 会话 0x%02X -> 0x%02X", from, to)
	})
	if x.security, err = services.NewSecurityAccess(secret); err != nil {
		return nil, err
	}
	x.security.RequireSession(x.sessions)

	x.download = services.NewDownload()
	if cfg.Services.MaxBlockLength > 0 {
		x.download.MaxBlockLength = cfg.Services.MaxBlockLength
	}
	if cfg.Services.SecurityLevel > 0 {
		x.download.RequireSecurity(x.security, cfg.Services.SecurityLevel)
	}
	x.download.OnComplete = x.saveImage

	reset := services.NewECUReset(x.reset)
	reset.Delay = time.Duration(cfg.Services.ResetDelayMs) * time.Millisecond

	x.link, err = driver.NewAdapter(dev, cfg.Bus.ResponseID, cfg.Bus.RequestID)
	if err != nil {
		return nil, err
	}
	x.engine, err = uds.New(ec, x.link, uds.WithSessionTimeoutHook(func() {
		log.Printf("[ecu] 会话超时，回到默认会话")
		x.sessions.Reset()
		x.security.Lock()
	}))
	if err != nil {
		x.link.Close()
		return nil, err
	}

	for _, r := range []registrar{x.sessions, x.security, x.download, reset, services.TesterPresent{}} {
		if err := r.Register(x.engine); err != nil {
			x.Close()
			return nil, fmt.Errorf("注册服务失败: %w", err)
		}
	}

	var taps []func(driver.Message)
	if cfg.Logging.Trace {
		rec, path, err := logrecorder.CreateTrace(cfg.Logging.Name + logrecorder.NowString())
		if err != nil {
			x.Close()
			return nil, err
		}
		x.trace = rec
		taps = append(taps, rec.Tap())
		log.Printf("[ecu] 报文记录到 %s", path)
	}
	if cfg.Monitor.Enabled {
		x.hub = monitor.NewHub(cfg.Bus.ResponseID, cfg.Bus.RequestID)
		taps = append(taps, x.hub.Tap())
	}
	if len(taps) > 0 {
		x.link.SetTap(func(m driver.Message) {
			for _, fn := range taps {
				fn(m)
			}
		})
	}

	log.Printf("[ecu] 已注册服务 % X", x.engine.Services())
	return x, nil
}

// Run 运行引擎直到 ctx 结束
func (x *ecu) Run(ctx context.Context) error {
	if x.hub != nil {
		go func() {
			if err := x.hub.Run(ctx, x.cfg.Monitor.ListenAddr); err != nil {
				log.Printf("[monitor] %v", err)
			}
		}()
	}
	err := x.engine.Run(ctx, x.link.Frames())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (x *ecu) Close() {
	x.engine.Close()
	x.link.Close()
	if x.trace != nil {
		x.trace.Close()
	}
}

// reset 模拟复位：会话和安全等级回到上电状态
func (x *ecu) reset(kind byte) {
	log.Printf("[ecu] 复位 0x%02X", kind)
	x.sessions.Reset()
	x.security.Lock()
}

func (x *ecu) saveImage(mem *gohex.Memory) {
	for _, seg := range mem.GetDataSegments() {
		log.Printf("[ecu] 收到镜像 0x%08X, %d 字节", seg.Address, len(seg.Data))
	}
	if x.DumpPath == "" {
		return
	}
	f, err := os.Create(x.DumpPath)
	if err != nil {
		log.Printf("[ecu] 保存镜像失败: %v", err)
		return
	}
	defer f.Close()
	if err := mem.DumpIntelHex(f, 16); err != nil {
		log.Printf("[ecu] 保存镜像失败: %v", err)
	}
}
