//go:build !linux && !darwin

package cacheutil

// AvailableDiskSpace 在该平台上未实现，固定返回 -1。
func AvailableDiskSpace(path string) int64 {
	return -1
}
