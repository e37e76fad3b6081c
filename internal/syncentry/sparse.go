package syncentry

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

// openSparseFile 加载已有 sparse 文件的 range 表。
func (e *Entry) openSparseFile() error {
	path := e.sparsePath()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cacheutil.NewErrFailed("open_sparse", err)
	}
	e.sparse = f
	if err := e.checkHeader(f, true); err != nil {
		return cacheutil.NewErrFailed("open_sparse", fmt.Errorf("%s: %w", path, err))
	}
	info, err := f.Stat()
	if err != nil {
		return cacheutil.NewErrFailed("open_sparse", err)
	}

	pos := e.streamBase()
	hdr := make([]byte, cacheutil.SparseRangeHeaderSize)
	var ranges []sparseRange
	for pos < info.Size() {
		if _, err := f.ReadAt(hdr, pos); err != nil {
			return cacheutil.NewErrFailed("open_sparse", err)
		}
		offset, length, crc, err := decodeSparseRangeHeader(hdr)
		if err != nil {
			return cacheutil.NewErrFailed("open_sparse", fmt.Errorf("%s: %w", path, err))
		}
		dataAt := pos + cacheutil.SparseRangeHeaderSize
		if dataAt+length > info.Size() {
			return cacheutil.NewErrFailed("open_sparse", fmt.Errorf("%s: truncated range", path))
		}
		ranges = append(ranges, sparseRange{offset: offset, length: length, crc: crc, fileOffset: dataAt})
		pos = dataAt + length
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].offset < ranges[j].offset })
	for i := 1; i < len(ranges); i++ {
		if ranges[i].offset < ranges[i-1].end() {
			return cacheutil.NewErrFailed("open_sparse", fmt.Errorf("%s: overlapping ranges", path))
		}
	}
	e.sparseRanges = ranges
	e.sparseTail = pos
	return nil
}

func (e *Entry) createSparseFileIfNeeded() error {
	if e.sparse != nil {
		return nil
	}
	f, err := e.createAuxFile(e.sparsePath(), e.doomed)
	if err != nil {
		return err
	}
	e.sparse = f
	e.sparseRanges = nil
	e.sparseTail = e.streamBase()
	return nil
}

func (e *Entry) truncateSparseFile() error {
	if err := e.sparse.Truncate(e.streamBase()); err != nil {
		return err
	}
	e.sparseRanges = nil
	e.sparseTail = e.streamBase()
	return nil
}

// firstRangeEndingAfter 返回第一个结束位置超过 offset 的 range 下标。
func (e *Entry) firstRangeEndingAfter(offset int64) int {
	return sort.Search(len(e.sparseRanges), func(i int) bool {
		return e.sparseRanges[i].end() > offset
	})
}

// ReadSparseData 从 offset 起读取连续存储的字节，遇到第一个空洞即停止。
func (e *Entry) ReadSparseData(offset int64, buf []byte, lastUsed *time.Time) (int, error) {
	if e.sparse == nil || len(buf) == 0 {
		return 0, nil
	}
	read := 0
	pos := offset
	for idx := e.firstRangeEndingAfter(offset); idx < len(e.sparseRanges) && read < len(buf); idx++ {
		r := e.sparseRanges[idx]
		if r.offset > pos {
			break
		}
		inRange := pos - r.offset
		n := r.length - inRange
		if rest := int64(len(buf) - read); n > rest {
			n = rest
		}
		chunk := buf[read : read+int(n)]
		if _, err := e.sparse.ReadAt(chunk, r.fileOffset+inRange); err != nil && err != io.EOF {
			e.doom()
			return 0, cacheutil.NewErrFailed("read_sparse", err)
		}
		if inRange == 0 && n == r.length && crcUpdate(0, chunk) != r.crc {
			e.doom()
			return 0, cacheutil.NewErrChecksumMismatch(e.sparsePath(), -1)
		}
		read += int(n)
		pos += n
	}
	*lastUsed = time.Now()
	return read, nil
}

// WriteSparseData 将 buf 写到 offset：已有 range 原地覆盖，空洞处追加新 range。
// sparse 文件将超过 maxSparseDataSize 时先丢弃此前全部 sparse 数据。
func (e *Entry) WriteSparseData(offset int64, buf []byte, maxSparseDataSize int64, stat *Stat) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	fail := func(err error) (int, error) {
		e.doom()
		return 0, cacheutil.NewErrFailed("write_sparse", err)
	}
	if err := e.createSparseFileIfNeeded(); err != nil {
		return 0, err
	}
	if e.sparseTail+int64(len(buf)) > maxSparseDataSize {
		if err := e.truncateSparseFile(); err != nil {
			return fail(err)
		}
	}

	pos := offset
	remaining := buf
	idx := e.firstRangeEndingAfter(offset)
	for len(remaining) > 0 {
		if idx < len(e.sparseRanges) && e.sparseRanges[idx].offset <= pos {
			r := &e.sparseRanges[idx]
			inRange := pos - r.offset
			n := r.length - inRange
			if n > int64(len(remaining)) {
				n = int64(len(remaining))
			}
			if _, err := e.sparse.WriteAt(remaining[:n], r.fileOffset+inRange); err != nil {
				return fail(err)
			}
			if err := e.refreshRangeCRC(r, inRange, remaining[:n]); err != nil {
				return fail(err)
			}
			pos += n
			remaining = remaining[n:]
			idx++
			continue
		}

		gapEnd := pos + int64(len(remaining))
		if idx < len(e.sparseRanges) && e.sparseRanges[idx].offset < gapEnd {
			gapEnd = e.sparseRanges[idx].offset
		}
		n := gapEnd - pos
		r, err := e.appendSparseRange(pos, remaining[:n])
		if err != nil {
			return fail(err)
		}
		e.sparseRanges = append(e.sparseRanges, sparseRange{})
		copy(e.sparseRanges[idx+1:], e.sparseRanges[idx:])
		e.sparseRanges[idx] = r
		pos += n
		remaining = remaining[n:]
		idx++
	}

	now := time.Now()
	stat.LastUsed = now
	stat.LastModified = now
	stat.SparseDataSize = e.sparseTail
	return len(buf), nil
}

func (e *Entry) appendSparseRange(offset int64, data []byte) (sparseRange, error) {
	crc := crcUpdate(0, data)
	record := append(encodeSparseRangeHeader(offset, int64(len(data)), crc), data...)
	if _, err := e.sparse.WriteAt(record, e.sparseTail); err != nil {
		return sparseRange{}, err
	}
	r := sparseRange{
		offset:     offset,
		length:     int64(len(data)),
		crc:        crc,
		fileOffset: e.sparseTail + cacheutil.SparseRangeHeaderSize,
	}
	e.sparseTail += int64(len(record))
	return r, nil
}

// refreshRangeCRC 在 r 被部分覆盖后重新计算校验和并写回 range 头部。
func (e *Entry) refreshRangeCRC(r *sparseRange, inRange int64, written []byte) error {
	if inRange == 0 && int64(len(written)) == r.length {
		r.crc = crcUpdate(0, written)
	} else {
		data := make([]byte, r.length)
		if _, err := e.sparse.ReadAt(data, r.fileOffset); err != nil && err != io.EOF {
			return err
		}
		r.crc = crcUpdate(0, data)
	}
	hdr := encodeSparseRangeHeader(r.offset, r.length, r.crc)
	_, err := e.sparse.WriteAt(hdr, r.fileOffset-cacheutil.SparseRangeHeaderSize)
	return err
}

// GetAvailableRange 在 [offset, offset+length) 内寻找第一段已存储数据，返回起点与连续可用字节数。
func (e *Entry) GetAvailableRange(offset int64, length int) (int64, int, error) {
	end := offset + int64(length)
	idx := e.firstRangeEndingAfter(offset)
	if idx >= len(e.sparseRanges) || e.sparseRanges[idx].offset >= end {
		return offset, 0, nil
	}
	first := e.sparseRanges[idx]
	start := first.offset
	if start < offset {
		start = offset
	}
	pos := first.end()
	for idx++; idx < len(e.sparseRanges) && pos < end && e.sparseRanges[idx].offset == pos; idx++ {
		pos = e.sparseRanges[idx].end()
	}
	if pos > end {
		pos = end
	}
	return start, int(pos - start), nil
}
