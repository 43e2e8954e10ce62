// Command udstester sends diagnostic requests to an ECU.
//
//	udstester [-config file] send 22F190
//	udstester session 03
//	udstester unlock 1
//	udstester reset 01
//	udstester present
//	udstester flash image.hex
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/LoveWonYoung/microuds/config"
	"github.com/LoveWonYoung/microuds/driver"
	"github.com/LoveWonYoung/microuds/isotp"
	"github.com/LoveWonYoung/microuds/logrecorder"
	"github.com/LoveWonYoung/microuds/uds"
	"github.com/LoveWonYoung/microuds/udsclient"
)

func main() {
	cfgPath := flag.String("config", "udstester.yaml", "配置文件路径")
	timeout := flag.Duration("timeout", 2*time.Second, "单次请求超时")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "用法: %s [flags] send|session|unlock|reset|present|flash [参数]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Bus.Driver == "virtual" {
		log.Fatal("虚拟总线只存在于进程内，请使用 udsecu -demo 或配置 slcan/socketcan")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, closeLink, err := dial(cfg)
	if err != nil {
		log.Fatal(err)
	}

	err = execute(ctx, client, cfg, *timeout, flag.Args())
	client.Close()
	closeLink()
	if err != nil {
		log.Printf("失败: %v", err)
		os.Exit(1)
	}
}

// dial 打开总线并建立客户端，返回的 closeLink 停止驱动和报文记录。
func dial(cfg *config.Config) (*udsclient.Client, func(), error) {
	order, err := isotp.ParseBitOrder(cfg.Engine.BitOrder)
	if err != nil {
		return nil, nil, err
	}
	dev, err := cfg.Bus.OpenDriver(nil, "tester", cfg.Bus.ResponseID)
	if err != nil {
		return nil, nil, err
	}
	link, err := driver.NewAdapter(dev, cfg.Bus.RequestID, cfg.Bus.ResponseID)
	if err != nil {
		return nil, nil, err
	}
	stopTrace, err := enableTrace(cfg, link.SetTap)
	if err != nil {
		link.Close()
		return nil, nil, err
	}

	ccfg := udsclient.DefaultConfig()
	ccfg.BitOrder = order
	closeLink := func() {
		link.Close()
		stopTrace()
	}
	return udsclient.New(link, ccfg), closeLink, nil
}

func execute(ctx context.Context, c *udsclient.Client, cfg *config.Config, timeout time.Duration, args []string) error {
	opts := udsclient.DefaultRequestOptions()
	opts.Timeout = timeout

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "send":
		req, err := hex.DecodeString(strings.Join(rest, ""))
		if err != nil || len(req) == 0 {
			return fmt.Errorf("请求必须是十六进制字节: %v", rest)
		}
		resp, err := c.RequestWithContext(ctx, req, opts)
		if err != nil {
			return err
		}
		fmt.Printf("% X\n", resp)

	case "session":
		id, err := byteArg(rest, uds.SessionExtended)
		if err != nil {
			return err
		}
		p2, p2Star, err := c.SessionControl(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("会话 0x%02X, P2=%dms, P2*=%dms\n", id, p2, p2Star)

	case "unlock":
		level, err := byteArg(rest, 1)
		if err != nil {
			return err
		}
		secret, err := cfg.Secret()
		if err != nil {
			return err
		}
		if err := c.Unlock(ctx, level, secret); err != nil {
			return err
		}
		fmt.Printf("安全等级 %d 已解锁\n", level)

	case "reset":
		kind, err := byteArg(rest, uds.ResetHard)
		if err != nil {
			return err
		}
		return c.ECUReset(ctx, kind)

	case "present":
		return c.TesterPresent(ctx, false)

	case "flash":
		if len(rest) != 1 {
			return fmt.Errorf("flash 需要一个 HEX 文件")
		}
		f, err := os.Open(rest[0])
		if err != nil {
			return err
		}
		defer f.Close()
		secret, err := cfg.Secret()
		if err != nil {
			return err
		}
		if _, _, err := c.SessionControl(ctx, uds.SessionProgramming); err != nil {
			return err
		}
		level := cfg.Services.SecurityLevel
		if level > 0 {
			if err := c.Unlock(ctx, level, secret); err != nil {
				return err
			}
		}
		if err := c.FlashHex(ctx, f); err != nil {
			return err
		}
		fmt.Println("刷写完成")

	default:
		return fmt.Errorf("未知命令 %q", cmd)
	}
	return nil
}

// byteArg 解析可选的十六进制字节参数
func byteArg(args []string, def byte) (byte, error) {
	if len(args) == 0 {
		return def, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("参数 %q: %w", args[0], err)
	}
	return byte(v), nil
}

// enableTrace 在配置要求时记录本端收发的报文
func enableTrace(cfg *config.Config, set func(func(driver.Message))) (func(), error) {
	if !cfg.Logging.Trace {
		return func() {}, nil
	}
	logrecorder.BaseDir = cfg.Logging.Dir
	rec, path, err := logrecorder.CreateTrace("udstester_" + logrecorder.NowString())
	if err != nil {
		return nil, err
	}
	set(rec.Tap())
	log.Printf("报文记录到 %s", path)
	return func() { rec.Close() }, nil
}
