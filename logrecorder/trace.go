package logrecorder

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/LoveWonYoung/microuds/driver"
)

// TraceRecord 是 trace 文件中的一条 CBOR 记录
type TraceRecord struct {
	Time      int64  `cbor:"1,keyasint"` // Unix 微秒
	Direction string `cbor:"2,keyasint"`
	ID        uint32 `cbor:"3,keyasint"`
	Extended  bool   `cbor:"4,keyasint,omitempty"`
	Data      []byte `cbor:"5,keyasint"`
}

func recordOf(m driver.Message) TraceRecord {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return TraceRecord{
		Time:      ts.UnixMicro(),
		Direction: m.Direction.String(),
		ID:        m.ID,
		Extended:  m.Extended,
		Data:      append([]byte(nil), m.Payload()...),
	}
}

// Message 把记录还原为报文
func (r TraceRecord) Message() driver.Message {
	dir := driver.RX
	if r.Direction == driver.TX.String() {
		dir = driver.TX
	}
	m := driver.NewMessage(dir, r.ID, r.Data)
	m.Extended = r.Extended
	m.Timestamp = time.UnixMicro(r.Time)
	return m
}

// FrameRecorder 把总线报文逐条编码为 CBOR 序列写入 w
type FrameRecorder struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	count  int
}

func NewFrameRecorder(w io.Writer) *FrameRecorder {
	r := &FrameRecorder{enc: cbor.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// CreateTrace 在日期目录下创建 name.cbor
func CreateTrace(name string) (*FrameRecorder, string, error) {
	dir, err := MakeDir()
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, name+".cbor")
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("创建 trace 文件失败: %w", err)
	}
	return NewFrameRecorder(f), path, nil
}

func (r *FrameRecorder) Record(m driver.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return errors.New("trace 已关闭")
	}
	if err := r.enc.Encode(recordOf(m)); err != nil {
		return err
	}
	r.count++
	return nil
}

// Tap 返回可交给 driver.Adapter.SetTap 的回调，写入失败只记日志
func (r *FrameRecorder) Tap() func(driver.Message) {
	return func(m driver.Message) {
		if err := r.Record(m); err != nil {
			log.Printf("[trace] 记录失败: %v", err)
		}
	}
}

// Count 返回已记录的报文数
func (r *FrameRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *FrameRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enc = nil
	if r.closer != nil {
		c := r.closer
		r.closer = nil
		return c.Close()
	}
	return nil
}

// ReadTrace 读出 CBOR 序列中的全部报文
func ReadTrace(rd io.Reader) ([]driver.Message, error) {
	dec := cbor.NewDecoder(rd)
	var out []driver.Message
	for {
		var rec TraceRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("第 %d 条记录: %w", len(out)+1, err)
		}
		out = append(out, rec.Message())
	}
}
