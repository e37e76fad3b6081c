//go:build linux || darwin

package cacheutil

import "golang.org/x/sys/unix"

// AvailableDiskSpace 返回 path 所在卷上普通用户可用的字节数，无法获取时返回 -1。
func AvailableDiskSpace(path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return -1
	}
	return int64(st.Bavail) * int64(st.Bsize)
}
