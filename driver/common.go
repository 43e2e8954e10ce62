package driver

import (
	"context"
	"fmt"
	"log"
	"time"
)

// 缓冲区和轮询配置常量
const (
	RxChannelBufferSize = 1024                   // 接收通道缓冲区大小
	PollingInterval     = time.Millisecond       // 轮询间隔
	ReadTimeout         = 100 * time.Millisecond // 底层读超时，用于检查停止信号
	InitDelay           = 20 * time.Millisecond  // 初始化延迟
)

// 标准帧与扩展帧 ID 范围
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

type DirectionType byte

const (
	TX DirectionType = iota
	RX
)

func (d DirectionType) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// Message 是一条经典 CAN 报文，在 channel 中传递。
type Message struct {
	Direction DirectionType
	ID        uint32
	DLC       byte
	Data      [8]byte
	Extended  bool
	Timestamp time.Time
}

// NewMessage 复制 data 的前 8 个字节。
func NewMessage(dir DirectionType, id uint32, data []byte) Message {
	m := Message{Direction: dir, ID: id, Extended: id > MaxStandardID, Timestamp: time.Now()}
	m.DLC = byte(copy(m.Data[:], data))
	return m
}

// Payload 返回 DLC 范围内的数据。
func (m Message) Payload() []byte {
	n := int(m.DLC)
	if n > len(m.Data) {
		n = len(m.Data)
	}
	return m.Data[:n]
}

func (m Message) String() string {
	return fmt.Sprintf("%s ID=0x%03X, DLC=%d, Data=% 02X", m.Direction, m.ID, m.DLC, m.Payload())
}

// CANDriver 定义了 CAN 驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(id uint32, data []byte) error
	RxChan() <-chan Message
	Context() context.Context
}

func checkFrame(id uint32, data []byte) error {
	if id > MaxExtendedID {
		return fmt.Errorf("CAN ID 0x%X 超出范围", id)
	}
	if len(data) > 8 {
		return fmt.Errorf("数据长度 %d 超过 8 字节", len(data))
	}
	return nil
}

// logCANMessage 统一的CAN消息日志记录函数
func logCANMessage(prefix string, m Message) {
	log.Printf("[%s] %s", prefix, m)
}
