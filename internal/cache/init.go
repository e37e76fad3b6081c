package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

// fakeIndexSize 是目录标记文件的长度：初始 magic、条目格式版本与一个保留字。
const fakeIndexSize = 16

type diskStatResult struct {
	maxSize  int64
	dirMtime time.Time
	err      error
}

func encodeFakeIndex() []byte {
	buf := make([]byte, fakeIndexSize)
	binary.LittleEndian.PutUint64(buf[0:8], cacheutil.InitialMagicNumber)
	binary.LittleEndian.PutUint32(buf[8:12], cacheutil.EntryVersionOnDisk)
	return buf
}

// fileStructureConsistent 在缺失时创建 dir 及其标记文件，否则校验标记属于当前缓存格式。
func fileStructureConsistent(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := cacheutil.FakeIndexFilePath(dir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return atomic.WriteFile(path, bytes.NewReader(encodeFakeIndex()))
	}
	if err != nil {
		return err
	}
	if len(data) != fakeIndexSize {
		return fmt.Errorf("marker %s has %d bytes", path, len(data))
	}
	if magic := binary.LittleEndian.Uint64(data[0:8]); magic != cacheutil.InitialMagicNumber {
		return fmt.Errorf("marker %s has magic %016x", path, magic)
	}
	if version := binary.LittleEndian.Uint32(data[8:12]); version != cacheutil.EntryVersionOnDisk {
		return fmt.Errorf("marker %s has version %d, want %d", path, version, cacheutil.EntryVersionOnDisk)
	}
	return nil
}

// deleteIndexFilesIfCacheIsEmpty 在 dir 中别无他物时删除标记与索引，并返回是否删除。
func deleteIndexFilesIfCacheIsEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		switch e.Name() {
		case cacheutil.FakeIndexFileName, cacheutil.IndexDirName:
		default:
			return false
		}
	}
	if err := os.Remove(cacheutil.FakeIndexFilePath(dir)); err != nil && !os.IsNotExist(err) {
		return false
	}
	if err := os.RemoveAll(filepath.Join(dir, cacheutil.IndexDirName)); err != nil {
		return false
	}
	return true
}

// initCacheStructureOnDisk 运行在 worker 上：校验目录（最多修复一次）并确定容量上限。
func initCacheStructureOnDisk(dir string, maxBytes int64, logger logrus.FieldLogger) diskStatResult {
	err := fileStructureConsistent(dir)
	if err != nil {
		logger.WithError(err).WithField("action", "init").Warn("cache directory inconsistent, trying repair")
		if deleteIndexFilesIfCacheIsEmpty(dir) {
			err = fileStructureConsistent(dir)
		}
	}
	if err != nil {
		return diskStatResult{err: cacheutil.NewErrInitFailed(dir, err)}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return diskStatResult{err: cacheutil.NewErrInitFailed(dir, err)}
	}
	res := diskStatResult{maxSize: maxBytes, dirMtime: info.ModTime()}
	if res.maxSize == 0 {
		res.maxSize = cacheutil.PreferredCacheSize(cacheutil.AvailableDiskSpace(dir))
	}
	return res
}
