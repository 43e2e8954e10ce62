package logrecorder

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/microuds/driver"
)

func useTempDir(t *testing.T) string {
	t.Helper()
	prevDir, prevOut, prevFlags := BaseDir, log.Writer(), log.Flags()
	BaseDir = t.TempDir()
	t.Cleanup(func() {
		BaseDir = prevDir
		log.SetOutput(prevOut)
		mu.Lock()
		if current != nil {
			current.Close()
			current = nil
		}
		mu.Unlock()
		log.SetFlags(prevFlags)
	})
	return BaseDir
}

func TestMakeDir(t *testing.T) {
	base := useTempDir(t)
	dir, err := MakeDir()
	require.NoError(t, err)
	assert.Equal(t, base, filepath.Dir(dir))
	assert.Equal(t, time.Now().Format("2006_01_02"), filepath.Base(dir))

	again, err := MakeDir()
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestRecorderAsNameInit(t *testing.T) {
	useTempDir(t)
	path, err := RecorderAsNameInit("ecu")
	require.NoError(t, err)
	log.Printf("[uds] hello")

	second, err := RecorderAsNameInit("ecu2")
	require.NoError(t, err)
	log.Printf("[uds] world")

	first, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(first), "[uds] hello")
	assert.NotContains(t, string(first), "world")

	next, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(next), "[uds] world")
}

func TestInitAndRotate(t *testing.T) {
	useTempDir(t)
	prev := RotateInterval
	RotateInterval = time.Hour
	t.Cleanup(func() { RotateInterval = prev })

	stop := InitAndRotate("udsecu_")
	log.Println("rotated")
	stop()
	stop()

	dir, err := MakeDir()
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "udsecu_"))
}

// ==================================================================
// CBOR trace
// ==================================================================

func TestFrameRecorder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rec := NewFrameRecorder(&buf)

	tx := driver.NewMessage(driver.TX, 0x7E0, []byte{0x02, 0x10, 0x03})
	rx := driver.NewMessage(driver.RX, 0x18DAF110, []byte{0x06, 0x50, 0x03, 0x00, 0x32, 0x01, 0xF4, 0xAA})
	require.NoError(t, rec.Record(tx))
	rec.Tap()(rx)
	assert.Equal(t, 2, rec.Count())
	require.NoError(t, rec.Close())
	assert.Error(t, rec.Record(tx), "closed")

	msgs, err := ReadTrace(&buf)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, driver.TX, msgs[0].Direction)
	assert.Equal(t, uint32(0x7E0), msgs[0].ID)
	assert.Equal(t, []byte{0x02, 0x10, 0x03}, msgs[0].Payload())
	assert.Equal(t, tx.Timestamp.UnixMicro(), msgs[0].Timestamp.UnixMicro())

	assert.Equal(t, driver.RX, msgs[1].Direction)
	assert.True(t, msgs[1].Extended)
	assert.Equal(t, rx.Payload(), msgs[1].Payload())
}

func TestReadTrace_Truncated(t *testing.T) {
	var buf bytes.Buffer
	rec := NewFrameRecorder(&buf)
	require.NoError(t, rec.Record(driver.NewMessage(driver.RX, 0x7E8, []byte{0x01, 0x7E})))
	require.NoError(t, rec.Record(driver.NewMessage(driver.RX, 0x7E8, []byte{0x02, 0x7E, 0x00})))

	raw := buf.Bytes()
	msgs, err := ReadTrace(bytes.NewReader(raw[:len(raw)-2]))
	assert.Error(t, err)
	assert.Len(t, msgs, 1)

	msgs, err = ReadTrace(bytes.NewReader(nil))
	assert.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCreateTrace_WithAdapter(t *testing.T) {
	useTempDir(t)
	log.SetOutput(bytes.NewBuffer(nil))
	rec, path, err := CreateTrace("bus")
	require.NoError(t, err)

	bus := driver.NewVirtualBus()
	ecu, err := driver.NewAdapter(bus.Node("ecu"), 0x7E8, 0x7E0)
	require.NoError(t, err)
	defer ecu.Close()
	ecu.SetTap(rec.Tap())

	var f [8]byte
	f[0], f[1] = 0x01, 0x7E
	require.NoError(t, ecu.Transmit(f))
	require.NoError(t, rec.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	msgs, err := ReadTrace(file)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(0x7E8), msgs[0].ID)
	assert.Equal(t, driver.TX, msgs[0].Direction)
}
