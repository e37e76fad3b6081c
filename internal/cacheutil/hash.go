package cacheutil

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// EntryHashKey 计算 key 的 64 位标识，相同字节在不同进程、重启前后都得到相同结果。
func EntryHashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// HashToHex 将 h 渲染为 16 位小写十六进制。
func HashToHex(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// EntryHashKeyAsHex 等价于 HashToHex(EntryHashKey(key))。
func EntryHashKeyAsHex(key string) string {
	return HashToHex(EntryHashKey(key))
}

// ParseHex 是 HashToHex 的逆运算，只接受恰好 16 位十六进制。
func ParseHex(s string) (uint64, bool) {
	if len(s) != 16 {
		return 0, false
	}
	h, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return h, true
}
