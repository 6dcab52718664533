package cache

// UpdateFreeSpace 刷新缓存所在磁盘的剩余空间。
func (s *Store) UpdateFreeSpace() (int64, error) {
	free, err := diskFreeBytes(s.root)
	if err != nil {
		return 0, err
	}
	s.freeBytes.Store(free)
	return free, nil
}

// FreeSpace 返回最近一次探测到的剩余空间，尚未探测时为 -1。
func (s *Store) FreeSpace() int64 {
	return s.freeBytes.Load()
}
