package syncentry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

// fileHeader 位于每个条目文件的开头：magic、版本、key 长度与 key 的 CRC。
type fileHeader struct {
	magic     uint64
	version   uint32
	keyLength uint32
	keyCRC    uint32
}

func encodeHeader(key string) []byte {
	b := make([]byte, cacheutil.HeaderSize+len(key))
	binary.LittleEndian.PutUint64(b[0:], cacheutil.InitialMagicNumber)
	binary.LittleEndian.PutUint32(b[8:], cacheutil.EntryVersionOnDisk)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(key)))
	binary.LittleEndian.PutUint32(b[16:], crc32.ChecksumIEEE([]byte(key)))
	copy(b[cacheutil.HeaderSize:], key)
	return b
}

func decodeHeader(b []byte) (fileHeader, error) {
	if len(b) < cacheutil.HeaderSize {
		return fileHeader{}, io.ErrUnexpectedEOF
	}
	h := fileHeader{
		magic:     binary.LittleEndian.Uint64(b[0:]),
		version:   binary.LittleEndian.Uint32(b[8:]),
		keyLength: binary.LittleEndian.Uint32(b[12:]),
		keyCRC:    binary.LittleEndian.Uint32(b[16:]),
	}
	if h.magic != cacheutil.InitialMagicNumber {
		return h, fmt.Errorf("bad initial magic %x", h.magic)
	}
	if h.version != cacheutil.EntryVersionOnDisk {
		return h, fmt.Errorf("unsupported entry version %d", h.version)
	}
	return h, nil
}

// eofRecord 标记一个流的结束，携带 flags、流的 CRC32 与流大小。
type eofRecord struct {
	flags      uint32
	dataCRC    uint32
	streamSize uint32
}

func (r eofRecord) hasCRC() bool { return r.flags&cacheutil.FlagHasCRC32 != 0 }

func (r eofRecord) hasKeySHA256() bool { return r.flags&cacheutil.FlagHasKeySHA256 != 0 }

func encodeEOF(r eofRecord) []byte {
	b := make([]byte, cacheutil.EOFSize)
	binary.LittleEndian.PutUint64(b[0:], cacheutil.FinalMagicNumber)
	binary.LittleEndian.PutUint32(b[8:], r.flags)
	binary.LittleEndian.PutUint32(b[12:], r.dataCRC)
	binary.LittleEndian.PutUint32(b[16:], r.streamSize)
	return b
}

func decodeEOF(b []byte) (eofRecord, error) {
	if len(b) < cacheutil.EOFSize {
		return eofRecord{}, io.ErrUnexpectedEOF
	}
	if magic := binary.LittleEndian.Uint64(b[0:]); magic != cacheutil.FinalMagicNumber {
		return eofRecord{}, fmt.Errorf("bad final magic %x", magic)
	}
	return eofRecord{
		flags:      binary.LittleEndian.Uint32(b[8:]),
		dataCRC:    binary.LittleEndian.Uint32(b[12:]),
		streamSize: binary.LittleEndian.Uint32(b[16:]),
	}, nil
}

// sparseRange 是 sparse 文件中的一段数据及其在文件内的位置。
type sparseRange struct {
	offset     int64
	length     int64
	crc        uint32
	fileOffset int64
}

func (r sparseRange) end() int64 { return r.offset + r.length }

func encodeSparseRangeHeader(offset, length int64, crc uint32) []byte {
	b := make([]byte, cacheutil.SparseRangeHeaderSize)
	binary.LittleEndian.PutUint64(b[0:], cacheutil.SparseRangeMagicNumber)
	binary.LittleEndian.PutUint64(b[8:], uint64(offset))
	binary.LittleEndian.PutUint64(b[16:], uint64(length))
	binary.LittleEndian.PutUint32(b[24:], crc)
	return b
}

func decodeSparseRangeHeader(b []byte) (offset, length int64, crc uint32, err error) {
	if len(b) < cacheutil.SparseRangeHeaderSize {
		return 0, 0, 0, io.ErrUnexpectedEOF
	}
	if magic := binary.LittleEndian.Uint64(b[0:]); magic != cacheutil.SparseRangeMagicNumber {
		return 0, 0, 0, fmt.Errorf("bad sparse range magic %x", magic)
	}
	offset = int64(binary.LittleEndian.Uint64(b[8:]))
	length = int64(binary.LittleEndian.Uint64(b[16:]))
	crc = binary.LittleEndian.Uint32(b[24:])
	if offset < 0 || length < 0 {
		return 0, 0, 0, fmt.Errorf("negative sparse range %d+%d", offset, length)
	}
	return offset, length, crc, nil
}

func keySHA256(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// crcUpdate 在 previous 的基础上继续计算 data 的 CRC32。
func crcUpdate(previous uint32, data []byte) uint32 {
	return crc32.Update(previous, crc32.IEEETable, data)
}
