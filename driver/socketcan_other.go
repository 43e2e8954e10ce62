//go:build !linux

package driver

import "fmt"

// OpenSocketCAN 在非 Linux 平台上不可用
func OpenSocketCAN(iface string, filterIDs ...uint32) (CANDriver, error) {
	return nil, fmt.Errorf("SocketCAN (%s) 仅支持 Linux", iface)
}
