package cacheutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileIndexForStream 将 stream 0/1 映射到 file 0，stream 2 映射到 file 1。
func FileIndexForStream(stream int) int {
	if stream == 2 {
		return 1
	}
	return 0
}

// FilenameFromHashAndFileIndex 返回条目某个流文件的文件名。
func FilenameFromHashAndFileIndex(h uint64, fileIndex int) string {
	return fmt.Sprintf("%016x_%d", h, fileIndex)
}

// SparseFilenameFromHash 返回条目 sparse 文件的文件名。
func SparseFilenameFromHash(h uint64) string {
	return fmt.Sprintf("%016x_s", h)
}

// ParseEntryFilename 从任意条目文件名中解析出 hash。
func ParseEntryFilename(name string) (uint64, bool) {
	if len(name) != 18 || name[16] != '_' {
		return 0, false
	}
	switch name[17] {
	case '0', '1', 's':
	default:
		return 0, false
	}
	return ParseHex(name[:16])
}

// IsTempFilename 判断 name 是否属于待删除的临时文件。
func IsTempFilename(name string) bool {
	return strings.HasPrefix(name, TempFilePrefix)
}

// FileSizeFromDataSize 计算承载 dataSize 字节单个流、key 长度为 keyLen 的文件物理大小。
func FileSizeFromDataSize(keyLen int, dataSize int64) int64 {
	return dataSize + HeaderSize + int64(keyLen) + EOFSize
}

// DataSizeFromFileSize 是 FileSizeFromDataSize 的逆运算。
func DataSizeFromFileSize(keyLen int, fileSize int64) int64 {
	return fileSize - HeaderSize - int64(keyLen) - EOFSize
}

// FileSizeFromStreamSizes 计算 file 0 的大小：stream 1 之后依次是 stream 0、key 摘要与第二个 EOF 记录。
func FileSizeFromStreamSizes(keyLen int, stream0, stream1 int64) int64 {
	return FileSizeFromDataSize(keyLen, stream0+stream1+KeySHA256Size+EOFSize)
}

// Stream0Size 根据 file 0 与 stream 1 的大小反推 stream 0 的大小。
func Stream0Size(keyLen int, fileSize, stream1 int64) int64 {
	return DataSizeFromFileSize(keyLen, fileSize) - stream1 - KeySHA256Size - EOFSize
}

// IndexFilePath 返回 dir 内持久化索引的位置。
func IndexFilePath(dir string) string {
	return filepath.Join(dir, IndexDirName, IndexFileName)
}

// FakeIndexFilePath 返回目录归属标记文件的位置。
func FakeIndexFilePath(dir string) string {
	return filepath.Join(dir, FakeIndexFileName)
}
