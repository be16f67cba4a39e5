package util

import "sync"

// DefaultBufSize is the size of pooled scratch buffers (32 KiB).
const DefaultBufSize = 32 * 1024

// BufPool holds scratch buffers used to drain connection prefixes.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf returns a scratch buffer of exactly n bytes.  Requests up to
// DefaultBufSize are served from [BufPool]; larger ones are allocated.
// Return it with [PutBuf] when finished.
func GetBuf(n int) *[]byte {
	if n > DefaultBufSize {
		buf := make([]byte, n)
		return &buf
	}
	buf := BufPool.Get().(*[]byte)
	*buf = (*buf)[:n]
	return buf
}

// PutBuf returns a buffer to the pool.  Oversized buffers are dropped.
func PutBuf(buf *[]byte) {
	if buf == nil || cap(*buf) != DefaultBufSize {
		return
	}
	*buf = (*buf)[:DefaultBufSize]
	BufPool.Put(buf)
}
