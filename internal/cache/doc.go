// Package cache defines the disk-backed store for served files. Files live at
// <CachePath>/<hash[0:2]>/<hash[2:4]>/<fileId>; writes go through a temp file
// + rename and are accepted only when the content SHA-1 matches the hash in
// the file id. The store also owns the append-only size/count accounting that
// is persisted across restarts and rebuilt by a directory scan when missing.
package cache
