package main

import (
	"fmt"

	"github.com/any-hub/simple-cache/internal/version"
)

// printVersion 输出版本、提交信息以及磁盘格式版本。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "disk format: %s\n", version.DiskFormats())
}
