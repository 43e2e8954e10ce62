package driver

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// VirtualBus 是进程内的虚拟 CAN 总线，一个节点写出的报文会送达其余所有节点。
// 用于开发和测试，不依赖实际硬件。
type VirtualBus struct {
	mu       sync.Mutex
	nodes    []*VirtualNode
	writeLog []WriteRecord
	Verbose  bool
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Node      string
	ID        uint32
	Data      []byte
	Timestamp time.Time
}

// AutoResponse 定义预设的自动响应
type AutoResponse struct {
	TriggerID   uint32        // 触发响应的请求 ID
	ResponseID  uint32        // 响应的 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	Response    []byte        // 响应数据
	Delay       time.Duration // 响应延迟
}

func NewVirtualBus() *VirtualBus {
	return &VirtualBus{}
}

// Node 在总线上创建一个新的节点。
func (b *VirtualBus) Node(name string) *VirtualNode {
	ctx, cancel := context.WithCancel(context.Background())
	n := &VirtualNode{
		bus:    b,
		name:   name,
		rxChan: make(chan Message, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

// WriteLog 获取写入日志
func (b *VirtualBus) WriteLog() []WriteRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]WriteRecord(nil), b.writeLog...)
}

// ClearWriteLog 清除写入日志
func (b *VirtualBus) ClearWriteLog() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeLog = nil
}

func (b *VirtualBus) broadcast(from *VirtualNode, id uint32, data []byte) {
	b.mu.Lock()
	b.writeLog = append(b.writeLog, WriteRecord{
		Node:      from.name,
		ID:        id,
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now(),
	})
	peers := append([]*VirtualNode(nil), b.nodes...)
	verbose := b.Verbose
	b.mu.Unlock()

	if verbose {
		logCANMessage("vbus "+from.name, NewMessage(TX, id, data))
	}
	for _, p := range peers {
		if p != from {
			p.deliver(id, data)
		}
	}
}

// VirtualNode 是虚拟总线上的一个 CANDriver。
type VirtualNode struct {
	bus  *VirtualBus
	name string

	mu        sync.Mutex
	rxChan    chan Message
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	stopped   bool
	responses []AutoResponse
}

// Init 初始化虚拟设备 (总是成功)
func (n *VirtualNode) Init() error {
	log.Printf("[vbus] 节点 %s 初始化成功 (虚拟模式)", n.name)
	return nil
}

// Start 启动虚拟设备
func (n *VirtualNode) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running || n.stopped {
		return
	}
	n.running = true
}

// Stop 停止虚拟设备，关闭接收通道
func (n *VirtualNode) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.running = false
	n.stopped = true
	n.cancel()
	close(n.rxChan)
	log.Printf("[vbus] 节点 %s 已停止", n.name)
}

// Write 写入数据到总线
func (n *VirtualNode) Write(id uint32, data []byte) error {
	if err := checkFrame(id, data); err != nil {
		return err
	}
	n.mu.Lock()
	running := n.running
	var triggered []AutoResponse
	for _, r := range n.responses {
		if r.TriggerID == id && bytes.HasPrefix(data, r.TriggerData) {
			triggered = append(triggered, r)
		}
	}
	n.mu.Unlock()
	if !running {
		return fmt.Errorf("节点 %s 未启动", n.name)
	}

	n.bus.broadcast(n, id, data)

	for _, r := range triggered {
		go func(r AutoResponse) {
			time.Sleep(r.Delay)
			if err := n.InjectMessage(r.ResponseID, r.Response); err != nil {
				log.Printf("[vbus] 自动响应失败: %v", err)
			}
		}(r)
	}
	return nil
}

// RxChan 返回接收通道
func (n *VirtualNode) RxChan() <-chan Message {
	return n.rxChan
}

// Context 返回设备上下文
func (n *VirtualNode) Context() context.Context {
	return n.ctx
}

// InjectMessage 向接收通道注入一条消息 (模拟接收)
func (n *VirtualNode) InjectMessage(id uint32, data []byte) error {
	if err := checkFrame(id, data); err != nil {
		return err
	}
	if !n.deliver(id, data) {
		return fmt.Errorf("节点 %s 无法接收", n.name)
	}
	return nil
}

func (n *VirtualNode) deliver(id uint32, data []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return false
	}
	select {
	case n.rxChan <- NewMessage(RX, id, data):
		return true
	default:
		log.Printf("[vbus] 节点 %s 接收通道已满，丢弃 ID=0x%03X", n.name, id)
		return false
	}
}

// AddResponse 添加一个预设响应：本节点写出匹配的报文后，response 被注入本节点的接收通道。
func (n *VirtualNode) AddResponse(r AutoResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses = append(n.responses, r)
}

// ClearResponses 清除所有预设响应
func (n *VirtualNode) ClearResponses() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses = nil
}

// IsRunning 检查设备是否正在运行
func (n *VirtualNode) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
