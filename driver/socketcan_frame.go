package driver

import (
	"encoding/binary"
	"fmt"
)

// struct can_frame: can_id (host order), can_dlc, 3 bytes padding, data[8]
const canFrameSize = 16

const (
	canEFFFlag = 0x80000000
	canRTRFlag = 0x40000000
	canERRFlag = 0x20000000
	canSFFMask = 0x000007FF
	canEFFMask = 0x1FFFFFFF
)

func encodeCANFrame(id uint32, data []byte) ([canFrameSize]byte, error) {
	var raw [canFrameSize]byte
	if err := checkFrame(id, data); err != nil {
		return raw, err
	}
	canID := id
	if id > MaxStandardID {
		canID |= canEFFFlag
	}
	binary.NativeEndian.PutUint32(raw[0:4], canID)
	raw[4] = byte(len(data))
	copy(raw[8:], data)
	return raw, nil
}

func decodeCANFrame(raw []byte) (Message, error) {
	if len(raw) < canFrameSize {
		return Message{}, fmt.Errorf("can_frame 长度 %d 不足 %d", len(raw), canFrameSize)
	}
	canID := binary.NativeEndian.Uint32(raw[0:4])
	if canID&(canRTRFlag|canERRFlag) != 0 {
		return Message{}, fmt.Errorf("忽略远程帧/错误帧 0x%08X", canID)
	}
	dlc := raw[4]
	if dlc > 8 {
		dlc = 8
	}
	var msg Message
	if canID&canEFFFlag != 0 {
		msg = NewMessage(RX, canID&canEFFMask, raw[8:8+dlc])
		msg.Extended = true
	} else {
		msg = NewMessage(RX, canID&canSFFMask, raw[8:8+dlc])
	}
	return msg, nil
}
