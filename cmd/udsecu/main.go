// Command udsecu runs a simulated ECU: the diagnostic engine with the stock
// services on a CAN bus.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/LoveWonYoung/microuds/config"
	"github.com/LoveWonYoung/microuds/driver"
	"github.com/LoveWonYoung/microuds/logrecorder"
)

func main() {
	cfgPath := flag.String("config", "udsecu.yaml", "配置文件路径")
	writeDefault := flag.Bool("init", false, "写出默认配置后退出")
	dumpPath := flag.String("dump", "", "下载完成后把镜像保存为该 HEX 文件")
	demo := flag.Bool("demo", true, "虚拟总线上同时运行一个演示诊断仪")
	flag.Parse()

	if *writeDefault {
		if err := config.Default().SaveAs(*cfgPath); err != nil {
			log.Fatal(err)
		}
		log.Printf("默认配置已写入 %s", *cfgPath)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Logging.Enabled || cfg.Logging.Trace {
		logrecorder.BaseDir = cfg.Logging.Dir
	}
	if cfg.Logging.Enabled {
		stop := logrecorder.InitAndRotate(cfg.Logging.Name)
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	vbus := driver.NewVirtualBus()
	dev, err := cfg.Bus.OpenDriver(vbus, "ecu", cfg.Bus.RequestID)
	if err != nil {
		log.Fatal(err)
	}
	x, err := newECU(cfg, dev)
	if err != nil {
		log.Fatal(err)
	}
	defer x.Close()
	x.DumpPath = *dumpPath

	if cfg.Bus.Driver == "virtual" && *demo {
		go func() {
			if err := runDemo(ctx, cfg, vbus); err != nil {
				log.Printf("[demo] %v", err)
			}
		}()
	}

	log.Printf("ECU 已启动 (%s, 请求 0x%03X, 响应 0x%03X)", cfg.Bus.Driver, cfg.Bus.RequestID, cfg.Bus.ResponseID)
	if err := x.Run(ctx); err != nil {
		log.Printf("ECU 退出: %v", err)
	}
}
