package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

// 磁盘布局：16 字节头部（magic、version、记录数），随后每个条目一条 32 字节记录
// （hash、unix 纳秒的最近使用时间、size、trailer 预取大小、填充），最后是前面所有内容的 xxhash64。
const (
	indexHeaderSize = 16
	indexRecordSize = 32
	indexTrailer    = 8
)

type loadResult struct {
	entries       map[uint64]EntryMetadata
	flushRequired bool
	restored      bool
	err           error
}

func encodeIndex(entries map[uint64]EntryMetadata) []byte {
	hashes := make([]uint64, 0, len(entries))
	for h := range entries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	buf := make([]byte, indexHeaderSize+len(hashes)*indexRecordSize, indexHeaderSize+len(hashes)*indexRecordSize+indexTrailer)
	binary.LittleEndian.PutUint64(buf[0:], cacheutil.IndexMagicNumber)
	binary.LittleEndian.PutUint32(buf[8:], cacheutil.IndexVersionOnDisk)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(hashes)))
	for i, h := range hashes {
		md := entries[h]
		rec := buf[indexHeaderSize+i*indexRecordSize:]
		binary.LittleEndian.PutUint64(rec[0:], h)
		binary.LittleEndian.PutUint64(rec[8:], uint64(md.LastUsed.UnixNano()))
		binary.LittleEndian.PutUint64(rec[16:], uint64(md.EntrySize))
		binary.LittleEndian.PutUint32(rec[24:], uint32(md.TrailerPrefetchSize))
	}
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

func decodeIndex(data []byte) (map[uint64]EntryMetadata, error) {
	if len(data) < indexHeaderSize+indexTrailer {
		return nil, fmt.Errorf("index file too short: %d bytes", len(data))
	}
	body := data[:len(data)-indexTrailer]
	if sum := binary.LittleEndian.Uint64(data[len(body):]); sum != xxhash.Sum64(body) {
		return nil, fmt.Errorf("index checksum mismatch")
	}
	if magic := binary.LittleEndian.Uint64(body[0:]); magic != cacheutil.IndexMagicNumber {
		return nil, fmt.Errorf("bad index magic %x", magic)
	}
	if version := binary.LittleEndian.Uint32(body[8:]); version != cacheutil.IndexVersionOnDisk {
		return nil, fmt.Errorf("unsupported index version %d", version)
	}
	count := int(binary.LittleEndian.Uint32(body[12:]))
	if len(body) != indexHeaderSize+count*indexRecordSize {
		return nil, fmt.Errorf("index holds %d bytes for %d records", len(body), count)
	}

	entries := make(map[uint64]EntryMetadata, count)
	for i := 0; i < count; i++ {
		rec := body[indexHeaderSize+i*indexRecordSize:]
		entries[binary.LittleEndian.Uint64(rec[0:])] = EntryMetadata{
			LastUsed:            time.Unix(0, int64(binary.LittleEndian.Uint64(rec[8:]))),
			EntrySize:           int64(binary.LittleEndian.Uint64(rec[16:])),
			TrailerPrefetchSize: int32(binary.LittleEndian.Uint32(rec[24:])),
		}
	}
	return entries, nil
}

// loadIndex 读取持久化索引；文件缺失、损坏或早于目录修改时间时退回目录扫描。
func loadIndex(dir string, dirMtime time.Time, logger logrus.FieldLogger) loadResult {
	path := cacheutil.IndexFilePath(dir)
	if info, err := os.Stat(path); err == nil {
		if dirMtime.After(info.ModTime()) {
			logger.WithField("path", path).Info("index file is stale, restoring from directory")
		} else if data, err := os.ReadFile(path); err != nil {
			logger.WithError(err).Warn("index file unreadable, restoring from directory")
		} else if entries, err := decodeIndex(data); err != nil {
			logger.WithError(err).Warn("index file corrupt, restoring from directory")
		} else {
			return loadResult{entries: entries}
		}
	}

	entries, err := restoreFromDisk(dir)
	return loadResult{entries: entries, flushRequired: true, restored: true, err: err}
}

// restoreFromDisk 通过扫描 dir 中的条目文件重建索引，并清理残留临时文件。
func restoreFromDisk(dir string) (map[uint64]EntryMetadata, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make(map[uint64]EntryMetadata)
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if cacheutil.IsTempFilename(name) {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		hash, ok := cacheutil.ParseEntryFilename(name)
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		md := entries[hash]
		md.EntrySize += info.Size()
		if info.ModTime().After(md.LastUsed) {
			md.LastUsed = info.ModTime()
		}
		entries[hash] = md
	}
	return entries, nil
}

// diskWriter 串行化来自不同 worker 的索引写入，并丢弃比最后一次写入更旧的快照。
type diskWriter struct {
	mu      sync.Mutex
	issued  uint64
	written uint64
}

// next 只在索引所在 sequence 上调用。
func (w *diskWriter) next() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.issued++
	return w.issued
}

func (w *diskWriter) write(dir string, gen uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen <= w.written {
		return nil
	}
	path := cacheutil.IndexFilePath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	w.written = gen
	return nil
}
