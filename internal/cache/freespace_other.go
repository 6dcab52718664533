//go:build !(linux || darwin || freebsd)

package cache

import "errors"

func diskFreeBytes(string) (int64, error) {
	return 0, errors.New("free space query unsupported on this platform")
}
