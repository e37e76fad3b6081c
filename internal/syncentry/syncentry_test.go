package syncentry

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

func createForTest(t *testing.T, dir, key string) (*Entry, Stat) {
	t.Helper()
	res := CreateEntry(dir, key, cacheutil.EntryHashKey(key))
	require.NoError(t, res.Err)
	require.True(t, res.Created)
	return res.Sync, res.Stat
}

func writeStream(t *testing.T, e *Entry, stat *Stat, stream, offset int, data []byte, crc CRCRecord) CRCRecord {
	t.Helper()
	res := e.WriteData(WriteRequest{
		Stream:      stream,
		Offset:      offset,
		Length:      len(data),
		UpdateCRC:   offset == 0,
		PreviousCRC: 0,
	}, data, stat)
	require.NoError(t, res.Err)
	require.Equal(t, len(data), res.N)
	if res.CRCUpdated {
		return CRCRecord{Stream: stream, HasCRC: true, CRC: res.UpdatedCRC}
	}
	return CRCRecord{Stream: stream}
}

func TestCreateWriteCloseOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := "http://example.com/a"
	e, stat := createForTest(t, dir, key)

	body := []byte("the body of the entry")
	aux := []byte("auxiliary")
	crc1 := writeStream(t, e, &stat, 1, 0, body, CRCRecord{})
	crc2 := writeStream(t, e, &stat, 2, 0, aux, CRCRecord{})
	stream0 := []byte("HEADERS")
	stat.DataSize[0] = len(stream0)
	e.Close(stat, []CRCRecord{
		{Stream: 0, HasCRC: true, CRC: crcUpdate(0, stream0)},
		crc1,
		crc2,
	}, stream0)

	opened := OpenEntry(dir, key, true, cacheutil.EntryHashKey(key))
	require.NoError(t, opened.Err)
	require.False(t, opened.Created)
	require.Equal(t, stream0, opened.Stream0)
	require.Equal(t, [3]int{len(stream0), len(body), len(aux)}, opened.Stat.DataSize)

	buf := make([]byte, len(body))
	res := opened.Sync.ReadData(ReadRequest{Stream: 1, Length: len(body), UpdateCRC: true, VerifyCRC: true}, &opened.Stat, buf)
	require.NoError(t, res.Err)
	require.Equal(t, body, buf)

	buf = make([]byte, len(aux))
	res = opened.Sync.ReadData(ReadRequest{Stream: 2, Length: len(aux), UpdateCRC: true, VerifyCRC: true}, &opened.Stat, buf)
	require.NoError(t, res.Err)
	require.Equal(t, aux, buf)
	opened.Sync.Close(opened.Stat, nil, opened.Stream0)
}

func TestOpenByHashReadsKey(t *testing.T) {
	dir := t.TempDir()
	key := "by-hash"
	e, stat := createForTest(t, dir, key)
	e.Close(stat, []CRCRecord{{Stream: 0, HasCRC: true}, {Stream: 1, HasCRC: true}}, nil)

	res := OpenEntry(dir, "", false, cacheutil.EntryHashKey(key))
	require.NoError(t, res.Err)
	require.Equal(t, key, res.Sync.Key())
	res.Sync.Close(res.Stat, nil, nil)
}

func TestOpenRejectsDifferentKeyWithSameHash(t *testing.T) {
	dir := t.TempDir()
	e, stat := createForTest(t, dir, "genuine")
	e.Close(stat, []CRCRecord{{Stream: 0, HasCRC: true}, {Stream: 1, HasCRC: true}}, nil)

	res := OpenEntry(dir, "impostor", true, cacheutil.EntryHashKey("genuine"))
	require.Error(t, res.Err)
	require.True(t, cacheutil.IsFailed(res.Err))
}

func TestCreateOverExistingFilesReportsFileExists(t *testing.T) {
	dir := t.TempDir()
	e, stat := createForTest(t, dir, "dup")
	e.Close(stat, []CRCRecord{{Stream: 0, HasCRC: true}, {Stream: 1, HasCRC: true}}, nil)

	res := CreateEntry(dir, "dup", cacheutil.EntryHashKey("dup"))
	require.True(t, cacheutil.IsFileExists(res.Err))

	replaced := OpenOrCreateEntry(dir, "dup", cacheutil.EntryHashKey("dup"), IndexMiss, false)
	require.NoError(t, replaced.Err)
	require.True(t, replaced.Created)
	replaced.Sync.Close(replaced.Stat, nil, nil)
}

func TestOpenOrCreateOpensExistingOnHit(t *testing.T) {
	dir := t.TempDir()
	e, stat := createForTest(t, dir, "k")
	crc := writeStream(t, e, &stat, 1, 0, []byte("data"), CRCRecord{})
	e.Close(stat, []CRCRecord{{Stream: 0, HasCRC: true}, crc}, nil)

	res := OpenOrCreateEntry(dir, "k", cacheutil.EntryHashKey("k"), IndexHit, false)
	require.NoError(t, res.Err)
	require.False(t, res.Created)
	require.Equal(t, 4, res.Stat.DataSize[1])
	res.Sync.Close(res.Stat, nil, nil)
}

func TestCorruptStreamIsDetectedOnRead(t *testing.T) {
	dir := t.TempDir()
	key := "corrupt-me"
	e, stat := createForTest(t, dir, key)
	body := bytes.Repeat([]byte("x"), 64)
	crc := writeStream(t, e, &stat, 1, 0, body, CRCRecord{})
	e.Close(stat, []CRCRecord{{Stream: 0, HasCRC: true}, crc}, nil)

	path := filepath.Join(dir, cacheutil.FilenameFromHashAndFileIndex(cacheutil.EntryHashKey(key), 0))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("y"), int64(cacheutil.HeaderSize+len(key)+10))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	opened := OpenEntry(dir, key, true, cacheutil.EntryHashKey(key))
	require.NoError(t, opened.Err)
	buf := make([]byte, len(body))
	res := opened.Sync.ReadData(ReadRequest{Stream: 1, Length: len(body), UpdateCRC: true, VerifyCRC: true}, &opened.Stat, buf)
	require.True(t, cacheutil.IsChecksumMismatch(res.Err))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "a corrupt entry dooms its files")
	opened.Sync.Close(opened.Stat, nil, nil)
}

func TestWriteAtOffsetLeavesChecksumUnclaimed(t *testing.T) {
	dir := t.TempDir()
	key := "offset-write"
	e, stat := createForTest(t, dir, key)
	rec := writeStream(t, e, &stat, 1, 10, []byte("tail"), CRCRecord{})
	require.False(t, rec.HasCRC)
	e.Close(stat, []CRCRecord{{Stream: 0, HasCRC: true}, rec}, nil)

	opened := OpenEntry(dir, key, true, cacheutil.EntryHashKey(key))
	require.NoError(t, opened.Err)
	require.False(t, opened.Sync.hasCRC[1])
	require.Equal(t, 14, opened.Stat.DataSize[1])

	buf := make([]byte, 14)
	res := opened.Sync.ReadData(ReadRequest{Stream: 1, Length: 14}, &opened.Stat, buf)
	require.NoError(t, res.Err)
	require.Equal(t, append(make([]byte, 10), "tail"...), buf)
	opened.Sync.Close(opened.Stat, nil, nil)
}

func TestTruncatingWriteShrinksStream(t *testing.T) {
	dir := t.TempDir()
	e, stat := createForTest(t, dir, "shrink")
	writeStream(t, e, &stat, 1, 0, []byte("0123456789"), CRCRecord{})
	res := e.WriteData(WriteRequest{Stream: 1, Offset: 4, Length: 2, Truncate: true}, []byte("ab"), &stat)
	require.NoError(t, res.Err)
	require.Equal(t, 6, stat.DataSize[1])

	buf := make([]byte, 6)
	read := e.ReadData(ReadRequest{Stream: 1, Length: 6}, &stat, buf)
	require.NoError(t, read.Err)
	require.Equal(t, "0123ab", string(buf))
	e.Close(stat, nil, nil)
}

func TestDoomRemovesFilesButKeepsHandles(t *testing.T) {
	dir := t.TempDir()
	key := "doomed"
	e, stat := createForTest(t, dir, key)
	writeStream(t, e, &stat, 1, 0, []byte("still readable"), CRCRecord{})
	require.NoError(t, e.Doom())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	buf := make([]byte, 14)
	res := e.ReadData(ReadRequest{Stream: 1, Length: 14}, &stat, buf)
	require.NoError(t, res.Err)
	require.Equal(t, "still readable", string(buf))
	e.Close(stat, nil, nil)
}

func TestDeleteAndTruncateEntryFiles(t *testing.T) {
	dir := t.TempDir()
	var hashes []uint64
	for _, key := range []string{"a", "b", "c"} {
		e, stat := createForTest(t, dir, key)
		e.Close(stat, []CRCRecord{{Stream: 0, HasCRC: true}, {Stream: 1, HasCRC: true}}, nil)
		hashes = append(hashes, cacheutil.EntryHashKey(key))
	}

	require.NoError(t, TruncateEntryFiles(dir, hashes[0]))
	info, err := os.Stat(filepath.Join(dir, cacheutil.FilenameFromHashAndFileIndex(hashes[0], 0)))
	require.NoError(t, err)
	require.Zero(t, info.Size())

	require.NoError(t, DeleteEntrySetFiles(hashes, dir))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, DeleteEntryFiles(dir, hashes[1]), "deleting missing files is not an error")
}

func TestSparseWriteReadAndRanges(t *testing.T) {
	dir := t.TempDir()
	e, stat := createForTest(t, dir, "sparse")
	const limit = 1 << 20

	n, err := e.WriteSparseData(100, []byte("hello"), limit, &stat)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	_, err = e.WriteSparseData(105, []byte("world"), limit, &stat)
	require.NoError(t, err)
	_, err = e.WriteSparseData(200, []byte("far"), limit, &stat)
	require.NoError(t, err)

	start, avail, err := e.GetAvailableRange(0, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(100), start)
	require.Equal(t, 10, avail)

	start, avail, err = e.GetAvailableRange(150, 100)
	require.NoError(t, err)
	require.Equal(t, int64(200), start)
	require.Equal(t, 3, avail)

	start, avail, err = e.GetAvailableRange(0, 50)
	require.NoError(t, err)
	require.Equal(t, int64(0), start)
	require.Zero(t, avail)

	// Overwrite across both ranges and into the gap after them.
	_, err = e.WriteSparseData(103, []byte("LOWORLD!!"), limit, &stat)
	require.NoError(t, err)

	buf := make([]byte, 12)
	var lastUsed = stat.LastUsed
	read, err := e.ReadSparseData(100, buf, &lastUsed)
	require.NoError(t, err)
	require.Equal(t, 12, read)
	require.Equal(t, "helLOWORLD!!", string(buf))
	require.Positive(t, stat.SparseDataSize)

	e.Close(stat, []CRCRecord{{Stream: 0, HasCRC: true}, {Stream: 1, HasCRC: true}}, nil)

	opened := OpenEntry(dir, "sparse", true, cacheutil.EntryHashKey("sparse"))
	require.NoError(t, opened.Err)
	require.Equal(t, stat.SparseDataSize, opened.Stat.SparseDataSize)
	buf = make([]byte, 3)
	read, err = opened.Sync.ReadSparseData(200, buf, &lastUsed)
	require.NoError(t, err)
	require.Equal(t, "far", string(buf[:read]))
	opened.Sync.Close(opened.Stat, nil, nil)
}

func TestSparseDataIsDroppedPastLimit(t *testing.T) {
	dir := t.TempDir()
	e, stat := createForTest(t, dir, "small")
	limit := int64(cacheutil.HeaderSize + len("small") + 64)

	_, err := e.WriteSparseData(0, bytes.Repeat([]byte("a"), 20), limit, &stat)
	require.NoError(t, err)
	_, err = e.WriteSparseData(1000, bytes.Repeat([]byte("b"), 40), limit, &stat)
	require.NoError(t, err)

	_, avail, err := e.GetAvailableRange(0, 20)
	require.NoError(t, err)
	require.Zero(t, avail, "earlier ranges are discarded once the limit is hit")
	_, avail, err = e.GetAvailableRange(1000, 40)
	require.NoError(t, err)
	require.Equal(t, 40, avail)
	e.Close(stat, nil, nil)
}
