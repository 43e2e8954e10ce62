package driver

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SLCAN 比特率命令 S0..S8
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// SLCANConfig 描述串口 CAN 适配器 (Lawicel 协议) 的参数
type SLCANConfig struct {
	Port     string
	BaudRate int // 串口波特率
	Bitrate  int // CAN 总线比特率
}

func DefaultSLCANConfig(port string) SLCANConfig {
	return SLCANConfig{Port: port, BaudRate: 115200, Bitrate: 500000}
}

// slcanPort 是 serial.Port 中 SLCAN 用到的部分
type slcanPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// SLCAN 通过串口 ASCII 协议收发 CAN 报文。
type SLCAN struct {
	cfg  SLCANConfig
	open func(cfg SLCANConfig) (slcanPort, error)

	mu      sync.Mutex
	port    slcanPort
	rxChan  chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewSLCAN(cfg SLCANConfig) *SLCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SLCAN{
		cfg:    cfg,
		open:   openSerial,
		rxChan: make(chan Message, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func openSerial(cfg SLCANConfig) (slcanPort, error) {
	return serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// Init 打开串口并设置比特率、打开通道
func (s *SLCAN) Init() error {
	code, ok := slcanBitrates[s.cfg.Bitrate]
	if !ok {
		return fmt.Errorf("不支持的 CAN 比特率 %d", s.cfg.Bitrate)
	}
	port, err := s.open(s.cfg)
	if err != nil {
		return fmt.Errorf("打开串口 %s 失败: %w", s.cfg.Port, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("设置读超时失败: %w", err)
	}
	// 先关闭通道，忽略适配器可能处于打开状态时的错误应答
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return fmt.Errorf("SLCAN 命令 %q 失败: %w", cmd[:len(cmd)-1], err)
		}
	}
	time.Sleep(InitDelay)

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	log.Printf("[slcan] %s 初始化成功，%d bit/s", s.cfg.Port, s.cfg.Bitrate)
	return nil
}

// Start 启动接收协程
func (s *SLCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.port == nil {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.readLoop(s.port)
}

// Stop 关闭通道和串口
func (s *SLCAN) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	port := s.port
	s.mu.Unlock()

	s.cancel()
	if _, err := port.Write([]byte("C\r")); err != nil {
		log.Printf("[slcan] 关闭通道失败: %v", err)
	}
	s.wg.Wait()
	port.Close()
	close(s.rxChan)
	log.Printf("[slcan] %s 已停止", s.cfg.Port)
}

func (s *SLCAN) Write(id uint32, data []byte) error {
	line, err := EncodeSLCAN(id, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("SLCAN 设备未启动")
	}
	_, err = s.port.Write(line)
	return err
}

func (s *SLCAN) RxChan() <-chan Message {
	return s.rxChan
}

func (s *SLCAN) Context() context.Context {
	return s.ctx
}

func (s *SLCAN) readLoop(port slcanPort) {
	defer s.wg.Done()
	buf := make([]byte, 256)
	var line []byte
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			if s.ctx.Err() == nil {
				log.Printf("[slcan] 读取失败: %v", err)
			}
			return
		}
		for _, c := range buf[:n] {
			switch c {
			case '\r':
				s.handleLine(line)
				line = line[:0]
			case '\a':
				log.Printf("[slcan] 适配器返回错误")
				line = line[:0]
			default:
				line = append(line, c)
			}
		}
	}
}

func (s *SLCAN) handleLine(line []byte) {
	if len(line) == 0 || (line[0] != 't' && line[0] != 'T') {
		// 命令应答 (空行、z/Z 等)
		return
	}
	msg, err := DecodeSLCAN(line)
	if err != nil {
		log.Printf("[slcan] 丢弃报文 %q: %v", line, err)
		return
	}
	select {
	case s.rxChan <- msg:
	default:
		log.Printf("[slcan] 接收通道已满，丢弃 ID=0x%03X", msg.ID)
	}
}

// EncodeSLCAN 生成一条 tIIIL... 或 TIIIIIIIIL... 发送命令
func EncodeSLCAN(id uint32, data []byte) ([]byte, error) {
	if err := checkFrame(id, data); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if id > MaxStandardID {
		fmt.Fprintf(&b, "T%08X", id)
	} else {
		fmt.Fprintf(&b, "t%03X", id)
	}
	b.WriteByte('0' + byte(len(data)))
	fmt.Fprintf(&b, "%X", data)
	b.WriteByte('\r')
	return b.Bytes(), nil
}

// DecodeSLCAN 解析一条不含结尾 \r 的接收行。帧尾可能带 4 位时间戳。
func DecodeSLCAN(line []byte) (Message, error) {
	if len(line) == 0 {
		return Message{}, errors.New("空行")
	}
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
	default:
		return Message{}, fmt.Errorf("未知报文类型 %q", line[0])
	}
	if len(line) < 1+idLen+1 {
		return Message{}, errors.New("报文过短")
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return Message{}, fmt.Errorf("ID 无效: %w", err)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return Message{}, fmt.Errorf("DLC 无效: %q", line[1+idLen])
	}
	body := line[2+idLen:]
	if len(body) != 2*dlc && len(body) != 2*dlc+4 {
		return Message{}, fmt.Errorf("数据长度与 DLC %d 不符", dlc)
	}
	data := make([]byte, dlc)
	if _, err := hex.Decode(data, body[:2*dlc]); err != nil {
		return Message{}, fmt.Errorf("数据无效: %w", err)
	}
	msg := NewMessage(RX, uint32(id), data)
	msg.Extended = idLen == 8
	return msg, nil
}
