package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	// 同一毫秒内生成的 ID 仍保持单调递增。
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New 返回按时间排序的 ULID 字符串，用于请求号、委托引用与 OCA 组。
func New() string {
	mu.Lock()
	defer mu.Unlock()

	value, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		panic(err)
	}
	return value.String()
}

// WithPrefix 返回带业务前缀的 ID，例如 "OCA-01H..."。
func WithPrefix(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "-" + New()
}
