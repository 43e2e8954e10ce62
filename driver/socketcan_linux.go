//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// SocketCAN 通过 Linux 原始 CAN 套接字收发报文。
type SocketCAN struct {
	iface   string
	filters []uint32

	mu      sync.Mutex
	fd      int
	rxChan  chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewSocketCAN 绑定到接口 iface；给出 filterIDs 时只接收这些标准帧 ID。
func NewSocketCAN(iface string, filterIDs ...uint32) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{
		iface:   iface,
		filters: filterIDs,
		fd:      -1,
		rxChan:  make(chan Message, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *SocketCAN) Init() error {
	ifi, err := net.InterfaceByName(c.iface)
	if err != nil {
		return fmt.Errorf("查找接口 %s 失败: %w", c.iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("创建 CAN 套接字失败: %w", err)
	}
	if len(c.filters) > 0 {
		filters := make([]unix.CanFilter, 0, len(c.filters))
		for _, id := range c.filters {
			filters = append(filters, unix.CanFilter{Id: id, Mask: unix.CAN_SFF_MASK})
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
			unix.Close(fd)
			return fmt.Errorf("设置接收过滤失败: %w", err)
		}
	}
	tv := unix.NsecToTimeval(ReadTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return fmt.Errorf("设置读超时失败: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("绑定 %s 失败: %w", c.iface, err)
	}

	c.mu.Lock()
	c.fd = fd
	c.mu.Unlock()
	log.Printf("[socketcan] %s 初始化成功", c.iface)
	return nil
}

func (c *SocketCAN) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.fd < 0 {
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.readLoop(c.fd)
}

func (c *SocketCAN) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	fd := c.fd
	c.fd = -1
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	unix.Close(fd)
	close(c.rxChan)
	log.Printf("[socketcan] %s 已停止", c.iface)
}

func (c *SocketCAN) Write(id uint32, data []byte) error {
	raw, err := encodeCANFrame(id, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return errors.New("SocketCAN 设备未启动")
	}
	_, err = unix.Write(c.fd, raw[:])
	return err
}

func (c *SocketCAN) RxChan() <-chan Message {
	return c.rxChan
}

func (c *SocketCAN) Context() context.Context {
	return c.ctx
}

func (c *SocketCAN) readLoop(fd int) {
	defer c.wg.Done()
	var buf [canFrameSize]byte
	for c.ctx.Err() == nil {
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			log.Printf("[socketcan] 读取失败: %v", err)
			return
		}
		msg, err := decodeCANFrame(buf[:n])
		if err != nil {
			continue
		}
		select {
		case c.rxChan <- msg:
		default:
			log.Printf("[socketcan] 接收通道已满，丢弃 ID=0x%03X", msg.ID)
		}
	}
}

// OpenSocketCAN 返回绑定到 iface 的驱动
func OpenSocketCAN(iface string, filterIDs ...uint32) (CANDriver, error) {
	return NewSocketCAN(iface, filterIDs...), nil
}
