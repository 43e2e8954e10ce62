package driver

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/LoveWonYoung/microuds/isotp"
)

// Adapter 把一个 CANDriver 绑定到一对诊断 ID 上：发送使用 txID，
// 只有 rxID 上的报文会被转换为 ISO-TP 帧交给上层。
type Adapter struct {
	driver CANDriver
	txID   uint32
	rxID   uint32
	frames chan isotp.Frame

	mu  sync.RWMutex
	tap func(Message)

	closeOnce sync.Once
	done      chan struct{}
}

// NewAdapter 初始化并启动 dev。
func NewAdapter(dev CANDriver, txID, rxID uint32) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()

	a := &Adapter{
		driver: dev,
		txID:   txID,
		rxID:   rxID,
		frames: make(chan isotp.Frame, RxChannelBufferSize),
		done:   make(chan struct{}),
	}
	go a.pump()
	log.Printf("[adapter] TX=0x%03X RX=0x%03X 已就绪", txID, rxID)
	return a, nil
}

// SetTap 注册一个回调，观察经过适配器的每一条报文 (发送和接收)。
func (a *Adapter) SetTap(fn func(Message)) {
	a.mu.Lock()
	a.tap = fn
	a.mu.Unlock()
}

func (a *Adapter) observe(m Message) {
	a.mu.RLock()
	fn := a.tap
	a.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

// Transmit 在 txID 上发送一个完整的 8 字节帧。
func (a *Adapter) Transmit(frame isotp.Frame) error {
	if err := a.driver.Write(a.txID, frame[:]); err != nil {
		return fmt.Errorf("write 0x%03X: %w", a.txID, err)
	}
	a.observe(NewMessage(TX, a.txID, frame[:]))
	return nil
}

// Frames 返回 rxID 上收到的帧，驱动停止后关闭。
func (a *Adapter) Frames() <-chan isotp.Frame {
	return a.frames
}

func (a *Adapter) pump() {
	defer close(a.frames)
	rx := a.driver.RxChan()
	for {
		select {
		case <-a.done:
			return
		case msg, ok := <-rx:
			if !ok {
				return
			}
			if msg.ID != a.rxID {
				continue
			}
			a.observe(msg)
			var f isotp.Frame
			copy(f[:], msg.Payload())
			select {
			case a.frames <- f:
			default:
				log.Printf("[adapter] 帧缓冲已满，丢弃 %s", msg)
			}
		}
	}
}

// Close 停止驱动并释放资源
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.driver.Stop()
	})
}
