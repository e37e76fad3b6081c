package syncentry

import (
	"time"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

// IndexState 记录操作开始时索引对该 hash 的认知。
type IndexState int

const (
	// IndexNoExist 表示索引尚未加载完成。
	IndexNoExist IndexState = iota
	IndexMiss
	IndexHit
)

func (s IndexState) String() string {
	switch s {
	case IndexMiss:
		return "miss"
	case IndexHit:
		return "hit"
	default:
		return "unknown"
	}
}

// Stat 是贯穿每次磁盘操作的状态块。
type Stat struct {
	LastUsed       time.Time
	LastModified   time.Time
	DataSize       [cacheutil.StreamCount]int
	SparseDataSize int64
}

// FileSize 计算 key 长度为 keyLen 时流文件 fileIndex 的大小。
func (s Stat) FileSize(keyLen, fileIndex int) int64 {
	if fileIndex == 0 {
		return cacheutil.FileSizeFromStreamSizes(keyLen, int64(s.DataSize[0]), int64(s.DataSize[1]))
	}
	return cacheutil.FileSizeFromDataSize(keyLen, int64(s.DataSize[2]))
}

// DiskUsage 是条目所有文件占用的总字节数。
func (s Stat) DiskUsage(keyLen int) int64 {
	size := s.FileSize(keyLen, 0)
	if s.DataSize[2] > 0 {
		size += s.FileSize(keyLen, 1)
	}
	return size + s.SparseDataSize
}

// CreationResults 是 OpenEntry、CreateEntry 与 OpenOrCreateEntry 的返回值。
type CreationResults struct {
	Sync    *Entry
	Stat    Stat
	Stream0 []byte
	// Stream0CRC 覆盖整个 Stream0。
	Stream0CRC          uint32
	TrailerPrefetchSize int
	Created             bool
	Err                 error
}

// ReadRequest 描述一次 stream 1 或 2 的读取。
type ReadRequest struct {
	Stream int
	Offset int
	Length int
	// UpdateCRC 在 PreviousCRC 基础上延伸到本次读取的字节；VerifyCRC 在读到流末尾时
	// 额外与已存储的校验和比对。
	UpdateCRC   bool
	VerifyCRC   bool
	PreviousCRC uint32
}

type ReadResult struct {
	N          int
	CRCUpdated bool
	UpdatedCRC uint32
	Err        error
}

// WriteRequest 描述一次 stream 1 或 2 的写入。
type WriteRequest struct {
	Stream      int
	Offset      int
	Length      int
	Truncate    bool
	Doomed      bool
	UpdateCRC   bool
	PreviousCRC uint32
}

type WriteResult struct {
	N          int
	CRCUpdated bool
	UpdatedCRC uint32
	Err        error
}

// CRCRecord 把已写流的最终校验和带入 Close。
type CRCRecord struct {
	Stream int
	HasCRC bool
	CRC    uint32
}

type CloseResults struct {
	TrailerPrefetchSize int
}
