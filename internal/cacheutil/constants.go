package cacheutil

const (
	// StreamCount 是每个条目的编号流数量。
	StreamCount = 3
	// FileCount 是承载流的文件数量，不含 sparse 文件。
	FileCount = 2

	InitialMagicNumber     uint64 = 0xfcfb6d1ba7725c30
	FinalMagicNumber       uint64 = 0xf4fa6f45970d41d8
	SparseRangeMagicNumber uint64 = 0xeb97bf016553676b
	IndexMagicNumber       uint64 = 0x656e74657220796f

	EntryVersionOnDisk uint32 = 5
	IndexVersionOnDisk uint32 = 9

	// HeaderSize 是每个文件头部的编码长度。
	HeaderSize = 24
	// EOFSize 是流结束记录的编码长度。
	EOFSize = 24
	// SparseRangeHeaderSize 是 sparse 文件中每个 range 前的头部长度。
	SparseRangeHeaderSize = 32
	// KeySHA256Size 是 stream 0 之后保存的 key 摘要长度。
	KeySHA256Size = 32

	FlagHasCRC32     uint32 = 1 << 0
	FlagHasKeySHA256 uint32 = 1 << 1

	// FakeIndexFileName 标记该目录归本缓存所有。
	FakeIndexFileName = "index"
	// IndexDirName 存放真正的索引文件。
	IndexDirName  = "index-dir"
	IndexFileName = "the-real-index"

	// TempFilePrefix 命名那些创建后立即删除的文件。
	TempFilePrefix = "todelete_"
)

const (
	kib = 1024
	mib = 1024 * kib

	defaultCacheSize int64 = 80 * mib
	maxCacheSize     int64 = defaultCacheSize * 4
	minFileSizeLimit int64 = 5 * mib
)
