package syncentry

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

// Entry 持有单个缓存条目打开的文件，同一时刻只由一个 worker goroutine 使用。
type Entry struct {
	dir  string
	hash uint64
	key  string

	files  [cacheutil.FileCount]*os.File
	sparse *os.File

	sparseRanges []sparseRange
	sparseTail   int64

	storedCRC [cacheutil.StreamCount]uint32
	hasCRC    [cacheutil.StreamCount]bool
	doomed    bool
}

// Key 返回条目 key；按 hash 打开时从磁盘读取。
func (e *Entry) Key() string { return e.key }

// Hash 返回条目 hash。
func (e *Entry) Hash() uint64 { return e.hash }

func (e *Entry) filePath(fileIndex int) string {
	return filepath.Join(e.dir, cacheutil.FilenameFromHashAndFileIndex(e.hash, fileIndex))
}

func (e *Entry) sparsePath() string {
	return filepath.Join(e.dir, cacheutil.SparseFilenameFromHash(e.hash))
}

func (e *Entry) streamBase() int64 {
	return int64(cacheutil.HeaderSize + len(e.key))
}

// OpenEntry 打开已有条目的文件；hasKey 为 false 时从磁盘读取 key 并与 hash 校验。
func OpenEntry(dir, key string, hasKey bool, hash uint64) CreationResults {
	e := &Entry{dir: dir, hash: hash, key: key}
	stat, stream0, err := e.initializeForOpen(hasKey)
	if err != nil {
		e.closeFiles()
		return CreationResults{Err: err}
	}
	return CreationResults{
		Sync:                e,
		Stat:                stat,
		Stream0:             stream0,
		Stream0CRC:          crcUpdate(0, stream0),
		TrailerPrefetchSize: len(stream0) + cacheutil.KeySHA256Size + cacheutil.EOFSize,
	}
}

// CreateEntry 为新条目创建文件；hash 对应的文件已存在时返回 file-exists 错误。
func CreateEntry(dir, key string, hash uint64) CreationResults {
	e := &Entry{dir: dir, hash: hash, key: key}
	if err := e.initializeForCreate(); err != nil {
		e.closeFiles()
		return CreationResults{Err: err}
	}
	now := time.Now()
	return CreationResults{
		Sync:    e,
		Stat:    Stat{LastUsed: now, LastModified: now},
		Created: true,
	}
}

// OpenOrCreateEntry 在索引可能知道该条目时先尝试打开，否则（或打开失败时）用新条目替换磁盘内容。
// optimisticCreate 表示调用方已被告知新条目存在，因此不会再打开旧条目。
func OpenOrCreateEntry(dir, key string, hash uint64, state IndexState, optimisticCreate bool) CreationResults {
	if !optimisticCreate && state != IndexMiss {
		res := OpenEntry(dir, key, true, hash)
		if res.Err == nil {
			return res
		}
		_ = DeleteEntryFiles(dir, hash)
	}

	res := CreateEntry(dir, key, hash)
	if res.Err != nil && cacheutil.IsFileExists(res.Err) {
		// 索引不知道的陈旧文件。
		if err := DeleteEntryFiles(dir, hash); err != nil {
			return CreationResults{Err: err}
		}
		res = CreateEntry(dir, key, hash)
	}
	return res
}

func (e *Entry) initializeForCreate() error {
	path := e.filePath(0)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return cacheutil.NewErrFileExists(path)
		}
		return cacheutil.NewErrFailed("create", err)
	}
	e.files[0] = f
	if _, err := f.WriteAt(encodeHeader(e.key), 0); err != nil {
		e.doom()
		return cacheutil.NewErrFailed("create", err)
	}
	return nil
}

func (e *Entry) initializeForOpen(hasKey bool) (Stat, []byte, error) {
	var stat Stat
	path := e.filePath(0)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return stat, nil, cacheutil.NewErrFailed("open", err)
	}
	e.files[0] = f

	info, err := f.Stat()
	if err != nil {
		return stat, nil, cacheutil.NewErrFailed("open", err)
	}
	if err := e.checkHeader(f, hasKey); err != nil {
		return stat, nil, cacheutil.NewErrFailed("open", fmt.Errorf("%s: %w", path, err))
	}

	stream0, stream1Size, err := e.readStreamsOfFile0(f, info.Size())
	if err != nil {
		return stat, nil, err
	}
	stat.DataSize[0] = len(stream0)
	stat.DataSize[1] = int(stream1Size)

	size2, err := e.openStream2File()
	if err != nil {
		return stat, nil, err
	}
	stat.DataSize[2] = int(size2)

	if err := e.openSparseFile(); err != nil {
		return stat, nil, err
	}
	if e.sparse != nil {
		stat.SparseDataSize = e.sparseTail
	}

	stat.LastUsed = info.ModTime()
	stat.LastModified = info.ModTime()
	return stat, stream0, nil
}

func (e *Entry) checkHeader(f *os.File, hasKey bool) error {
	buf := make([]byte, cacheutil.HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return err
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	keyBuf := make([]byte, h.keyLength)
	if _, err := f.ReadAt(keyBuf, cacheutil.HeaderSize); err != nil {
		return err
	}
	if crcUpdate(0, keyBuf) != h.keyCRC {
		return fmt.Errorf("key checksum mismatch")
	}
	if !hasKey {
		if cacheutil.EntryHashKey(string(keyBuf)) != e.hash {
			return fmt.Errorf("stored key does not hash to %s", cacheutil.HashToHex(e.hash))
		}
		e.key = string(keyBuf)
		return nil
	}
	if string(keyBuf) != e.key {
		return fmt.Errorf("key mismatch for %s", cacheutil.HashToHex(e.hash))
	}
	return nil
}

// readStreamsOfFile0 返回 stream 0 以及 stream 1 的大小。
func (e *Entry) readStreamsOfFile0(f *os.File, fileSize int64) ([]byte, int64, error) {
	path := e.filePath(0)
	corrupt := func(reason string) error {
		return cacheutil.NewErrFailed("open", fmt.Errorf("%s: %s", path, reason))
	}

	minSize := cacheutil.FileSizeFromStreamSizes(len(e.key), 0, 0)
	if fileSize < minSize {
		return nil, 0, corrupt("file too short")
	}

	eofBuf := make([]byte, cacheutil.EOFSize)
	if _, err := f.ReadAt(eofBuf, fileSize-cacheutil.EOFSize); err != nil {
		return nil, 0, cacheutil.NewErrFailed("open", err)
	}
	eof0, err := decodeEOF(eofBuf)
	if err != nil {
		return nil, 0, corrupt(err.Error())
	}

	stream0Size := int64(eof0.streamSize)
	stream0Offset := fileSize - cacheutil.EOFSize - cacheutil.KeySHA256Size - stream0Size
	if stream0Offset < e.streamBase()+cacheutil.EOFSize {
		return nil, 0, corrupt("stream 0 overlaps the header")
	}

	buf := make([]byte, stream0Size+cacheutil.KeySHA256Size)
	if _, err := f.ReadAt(buf, stream0Offset); err != nil {
		return nil, 0, cacheutil.NewErrFailed("open", err)
	}
	stream0 := buf[:stream0Size]
	if eof0.hasKeySHA256() && !bytes.Equal(buf[stream0Size:], keySHA256(e.key)) {
		return nil, 0, corrupt("key digest mismatch")
	}
	if eof0.hasCRC() && crcUpdate(0, stream0) != eof0.dataCRC {
		return nil, 0, cacheutil.NewErrChecksumMismatch(path, 0)
	}
	e.storedCRC[0], e.hasCRC[0] = eof0.dataCRC, eof0.hasCRC()

	eof1Offset := stream0Offset - cacheutil.EOFSize
	if _, err := f.ReadAt(eofBuf, eof1Offset); err != nil {
		return nil, 0, cacheutil.NewErrFailed("open", err)
	}
	eof1, err := decodeEOF(eofBuf)
	if err != nil {
		return nil, 0, corrupt(err.Error())
	}
	stream1Size := int64(eof1.streamSize)
	if e.streamBase()+stream1Size != eof1Offset {
		return nil, 0, corrupt("stream 1 size does not match its EOF position")
	}
	e.storedCRC[1], e.hasCRC[1] = eof1.dataCRC, eof1.hasCRC()

	return stream0, stream1Size, nil
}

// openStream2File 在 file 1 存在时打开它并返回 stream 2 的大小。
func (e *Entry) openStream2File() (int64, error) {
	path := e.filePath(1)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, cacheutil.NewErrFailed("open", err)
	}
	e.files[1] = f

	info, err := f.Stat()
	if err != nil {
		return 0, cacheutil.NewErrFailed("open", err)
	}
	if err := e.checkHeader(f, true); err != nil {
		return 0, cacheutil.NewErrFailed("open", fmt.Errorf("%s: %w", path, err))
	}
	if info.Size() < cacheutil.FileSizeFromDataSize(len(e.key), 0) {
		return 0, cacheutil.NewErrFailed("open", fmt.Errorf("%s: file too short", path))
	}
	eofBuf := make([]byte, cacheutil.EOFSize)
	if _, err := f.ReadAt(eofBuf, info.Size()-cacheutil.EOFSize); err != nil {
		return 0, cacheutil.NewErrFailed("open", err)
	}
	eof2, err := decodeEOF(eofBuf)
	if err != nil {
		return 0, cacheutil.NewErrFailed("open", fmt.Errorf("%s: %w", path, err))
	}
	size := int64(eof2.streamSize)
	if cacheutil.FileSizeFromDataSize(len(e.key), size) != info.Size() {
		return 0, cacheutil.NewErrFailed("open", fmt.Errorf("%s: stream 2 size mismatch", path))
	}
	e.storedCRC[2], e.hasCRC[2] = eof2.dataCRC, eof2.hasCRC()
	return size, nil
}

// createStream2File 在首次写 stream 2 时创建 file 1；已 doom 的条目使用匿名文件，避免与后继条目冲突。
func (e *Entry) createStream2File(doomed bool) error {
	f, err := e.createAuxFile(e.filePath(1), doomed || e.doomed)
	if err != nil {
		return err
	}
	e.files[1] = f
	return nil
}

func (e *Entry) createAuxFile(path string, anonymous bool) (*os.File, error) {
	var (
		f   *os.File
		err error
	)
	if anonymous {
		f, err = os.CreateTemp(e.dir, cacheutil.TempFilePrefix+"*")
		if err == nil {
			_ = os.Remove(f.Name())
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	}
	if err != nil {
		return nil, cacheutil.NewErrFailed("create", err)
	}
	if _, err := f.WriteAt(encodeHeader(e.key), 0); err != nil {
		f.Close()
		return nil, cacheutil.NewErrFailed("create", err)
	}
	return f, nil
}

// ReadData 将 stream 1 或 2 的 req.Length 字节读入 buf。
func (e *Entry) ReadData(req ReadRequest, stat *Stat, buf []byte) ReadResult {
	f := e.files[cacheutil.FileIndexForStream(req.Stream)]
	if f == nil || req.Length == 0 {
		return ReadResult{}
	}
	n, err := f.ReadAt(buf[:req.Length], e.streamBase()+int64(req.Offset))
	if n < req.Length {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		e.doom()
		return ReadResult{Err: cacheutil.NewErrFailed("read", err)}
	}

	res := ReadResult{N: n}
	if req.UpdateCRC {
		res.CRCUpdated = true
		res.UpdatedCRC = crcUpdate(req.PreviousCRC, buf[:n])
		if req.VerifyCRC && req.Offset+n == stat.DataSize[req.Stream] &&
			e.hasCRC[req.Stream] && res.UpdatedCRC != e.storedCRC[req.Stream] {
			e.doom()
			return ReadResult{Err: cacheutil.NewErrChecksumMismatch(e.filePath(cacheutil.FileIndexForStream(req.Stream)), req.Stream)}
		}
	}
	stat.LastUsed = time.Now()
	return res
}

// WriteData 将 buf[:req.Length] 写入 stream 1 或 2，越过当前末尾产生的空洞读回为 0。
func (e *Entry) WriteData(req WriteRequest, buf []byte, stat *Stat) WriteResult {
	fileIndex := cacheutil.FileIndexForStream(req.Stream)
	if e.files[fileIndex] == nil {
		if err := e.createStream2File(req.Doomed); err != nil {
			e.doom()
			return WriteResult{Err: err}
		}
	}
	f := e.files[fileIndex]
	base := e.streamBase()
	oldSize := stat.DataSize[req.Stream]
	end := req.Offset + req.Length

	fail := func(err error) WriteResult {
		e.doom()
		return WriteResult{Err: cacheutil.NewErrFailed("write", err)}
	}

	if end > oldSize {
		// 流之后的内容（EOF 记录、stream 0）会在 close 时重写，这里先丢弃以便空洞补零。
		if err := f.Truncate(base + int64(oldSize)); err != nil {
			return fail(err)
		}
	}
	if req.Length > 0 {
		if _, err := f.WriteAt(buf[:req.Length], base+int64(req.Offset)); err != nil {
			return fail(err)
		}
	}
	if req.Truncate {
		if err := f.Truncate(base + int64(end)); err != nil {
			return fail(err)
		}
		stat.DataSize[req.Stream] = end
	} else if end > oldSize {
		stat.DataSize[req.Stream] = end
	}

	now := time.Now()
	stat.LastUsed = now
	stat.LastModified = now

	res := WriteResult{N: req.Length}
	if req.UpdateCRC {
		res.CRCUpdated = true
		res.UpdatedCRC = crcUpdate(req.PreviousCRC, buf[:req.Length])
	}
	return res
}

// Close 为 crcs 中列出的流写入结尾记录，stream 0 变化时写回，并释放全部文件句柄。
func (e *Entry) Close(stat Stat, crcs []CRCRecord, stream0 []byte) CloseResults {
	base := e.streamBase()
	stream1Size := int64(stat.DataSize[1])
	var failed error

	for _, rec := range crcs {
		switch rec.Stream {
		case 1:
			if err := e.writeEOF(e.files[0], base+stream1Size, rec, stream1Size, 0); err != nil && failed == nil {
				failed = err
			}
		case 2:
			if e.files[1] == nil {
				continue
			}
			size := int64(stat.DataSize[2])
			if err := e.writeEOF(e.files[1], base+size, rec, size, 0); err != nil && failed == nil {
				failed = err
			}
			if err := e.files[1].Truncate(base + size + cacheutil.EOFSize); err != nil && failed == nil {
				failed = err
			}
		}
	}
	for _, rec := range crcs {
		if rec.Stream != 0 {
			continue
		}
		if err := e.writeStream0(base+stream1Size+cacheutil.EOFSize, rec, stream0); err != nil && failed == nil {
			failed = err
		}
	}

	if failed != nil {
		e.doom()
	} else if !e.doomed && len(crcs) > 0 {
		_ = os.Chtimes(e.filePath(0), stat.LastUsed, stat.LastModified)
	}
	e.closeFiles()
	return CloseResults{TrailerPrefetchSize: len(stream0) + cacheutil.KeySHA256Size + cacheutil.EOFSize}
}

func (e *Entry) writeEOF(f *os.File, at int64, rec CRCRecord, size int64, extra uint32) error {
	eof := eofRecord{flags: extra, streamSize: uint32(size)}
	if rec.HasCRC {
		eof.flags |= cacheutil.FlagHasCRC32
		eof.dataCRC = rec.CRC
	}
	_, err := f.WriteAt(encodeEOF(eof), at)
	return err
}

func (e *Entry) writeStream0(at int64, rec CRCRecord, stream0 []byte) error {
	f := e.files[0]
	buf := make([]byte, 0, len(stream0)+cacheutil.KeySHA256Size)
	buf = append(buf, stream0...)
	buf = append(buf, keySHA256(e.key)...)
	if _, err := f.WriteAt(buf, at); err != nil {
		return err
	}
	eofAt := at + int64(len(buf))
	if err := e.writeEOF(f, eofAt, rec, int64(len(stream0)), cacheutil.FlagHasKeySHA256); err != nil {
		return err
	}
	return f.Truncate(eofAt + cacheutil.EOFSize)
}

// Doom 将条目文件从目录中移除，已打开的句柄在 Close 前仍可使用。
func (e *Entry) Doom() error {
	return e.doom()
}

func (e *Entry) doom() error {
	e.doomed = true
	return DeleteEntryFiles(e.dir, e.hash)
}

func (e *Entry) closeFiles() {
	for i, f := range e.files {
		if f != nil {
			f.Close()
			e.files[i] = nil
		}
	}
	if e.sparse != nil {
		e.sparse.Close()
		e.sparse = nil
	}
}

func entryFileNames(hash uint64) []string {
	return []string{
		cacheutil.FilenameFromHashAndFileIndex(hash, 0),
		cacheutil.FilenameFromHashAndFileIndex(hash, 1),
		cacheutil.SparseFilenameFromHash(hash),
	}
}

// DeleteEntryFiles 删除 hash 的全部文件，文件不存在不算错误。
func DeleteEntryFiles(dir string, hash uint64) error {
	var firstErr error
	for _, name := range entryFileNames(hash) {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return cacheutil.NewErrFailed("delete", firstErr)
	}
	return nil
}

// DeleteEntrySetFiles 删除每个 hash 的文件，遇到失败继续处理并返回第一个错误。
func DeleteEntrySetFiles(hashes []uint64, dir string) error {
	var firstErr error
	for _, h := range hashes {
		if err := DeleteEntryFiles(dir, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TruncateEntryFiles 原地清空 hash 的文件，用于无法安全删除的场景（例如 backend 已关闭）。
func TruncateEntryFiles(dir string, hash uint64) error {
	var firstErr error
	for _, name := range entryFileNames(hash) {
		if err := os.Truncate(filepath.Join(dir, name), 0); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return cacheutil.NewErrFailed("truncate", firstErr)
	}
	return nil
}
