package logrecorder

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BaseDir 是日期目录的上级目录
var BaseDir = "."

// RotateInterval 是 InitAndRotate 的轮换周期
var RotateInterval = 10 * time.Minute

var (
	mu      sync.Mutex
	current io.Closer
)

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 创建以日期命名的目录（如：2025_04_25）
func MakeDir() (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(BaseDir, dirName)

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		if err := os.MkdirAll(fullPath, 0755); err != nil {
			return "", fmt.Errorf("创建文件夹失败: %w", err)
		}
	}
	return fullPath, nil
}

// RecorderAsNameInit 把标准日志重定向到日期目录下的 name.log，并关闭上一个日志文件
func RecorderAsNameInit(name string) (string, error) {
	dir, err := MakeDir()
	if err != nil {
		return "", err
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%s.log", name))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return "", fmt.Errorf("打开日志文件失败: %w", err)
	}

	mu.Lock()
	prev := current
	current = f
	log.SetPrefix("")
	log.SetFlags(log.Lmicroseconds)
	log.SetOutput(f)
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return logPath, nil
}

// InitAndRotate 初始化日志记录器，并每隔 RotateInterval 换一个带时间戳的新文件。
// 返回的函数停止轮换并把日志恢复到 stderr。
func InitAndRotate(logName string) (stop func()) {
	if _, err := RecorderAsNameInit(logName + NowString()); err != nil {
		log.Printf("初始日志记录器初始化失败: %v", err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(RotateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := RecorderAsNameInit(logName + NowString()); err != nil {
					log.Printf("日志轮换失败: %v", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			mu.Lock()
			log.SetOutput(os.Stderr)
			if current != nil {
				current.Close()
				current = nil
			}
			mu.Unlock()
		})
	}
}
