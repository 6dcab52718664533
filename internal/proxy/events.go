package proxy

// eventKind 标识回源阶段发往响应阶段的事件类型。
type eventKind int

const (
	eventURLsFetched eventKind = iota
	eventURLsFetchFailed
	eventHeadersFetched
	eventHeadersFetchFailed
	eventBytesChunk
	eventEndOfBytes
	eventBytesFetchFailed
)

func (k eventKind) String() string {
	switch k {
	case eventURLsFetched:
		return "urls_fetched"
	case eventURLsFetchFailed:
		return "urls_fetch_failed"
	case eventHeadersFetched:
		return "headers_fetched"
	case eventHeadersFetchFailed:
		return "headers_fetch_failed"
	case eventBytesChunk:
		return "bytes_chunk"
	case eventEndOfBytes:
		return "end_of_bytes"
	case eventBytesFetchFailed:
		return "bytes_fetch_failed"
	default:
		return "unknown"
	}
}

// fetchEvent 是单向事件。data 指向共享缓冲区中已写入的片段，接收方只读。
type fetchEvent struct {
	kind          eventKind
	contentLength int64
	offset        int64
	data          []byte
	err           error
}

// terminal 表示事件之后不会再有后续事件。
func (e fetchEvent) terminal() bool {
	switch e.kind {
	case eventURLsFetchFailed, eventHeadersFetchFailed, eventEndOfBytes, eventBytesFetchFailed:
		return true
	default:
		return false
	}
}
