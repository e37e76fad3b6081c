package cacheutil

import "math"

// PreferredCacheSize 根据缓存目录所在卷的剩余空间选出缓存上限。
func PreferredCacheSize(available int64) int64 {
	if available < 0 {
		return defaultCacheSize
	}
	var size int64
	switch {
	case available < defaultCacheSize*10/8:
		// 空间不足以容纳默认值时取剩余空间的 80%。
		size = available * 8 / 10
	case available < defaultCacheSize*10:
		size = defaultCacheSize
	case available < defaultCacheSize*25:
		size = available / 10
	case available < defaultCacheSize*250:
		size = defaultCacheSize * 5 / 2
	default:
		size = available / 100
	}
	if size > maxCacheSize {
		size = maxCacheSize
	}
	return size
}

// MaxFileSize 是容量为 maxCacheSize 的缓存所接受的最大单流写入。
func MaxFileSize(maxCacheSize int64) int64 {
	if limit := maxCacheSize / 8; limit > minFileSizeLimit {
		return limit
	}
	return minFileSizeLimit
}

// MaxSparseDataSize 将单个条目的 sparse 文件限制为缓存的十分之一，上限为 0 表示不限制。
func MaxSparseDataSize(maxCacheSize int64) int64 {
	if maxCacheSize <= 0 {
		return math.MaxInt64
	}
	return maxCacheSize / 10
}
