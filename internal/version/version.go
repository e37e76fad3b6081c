package version

import (
	"fmt"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("simple-cache %s (%s)", Version, Commit)
}

// DiskFormats 描述本构建读写的磁盘格式版本，与旧目录不兼容时据此排查。
func DiskFormats() string {
	return fmt.Sprintf("entry v%d, index v%d", cacheutil.EntryVersionOnDisk, cacheutil.IndexVersionOnDisk)
}
