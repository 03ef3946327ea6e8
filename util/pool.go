package util

import "sync"

// ConnBufSize is the per-connection read buffer used by handlers.  It
// matches the largest TLS record payload, so one read drains at most
// one record.
const ConnBufSize = 16 * 1024

// connBufs is shared by every connection a server runs.
var connBufs = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ConnBufSize)
		return &buf
	},
}

// GetBuf returns a ConnBufSize buffer.  Callers must hand it back with
// [PutBuf] when the connection is done.
func GetBuf() *[]byte {
	return connBufs.Get().(*[]byte)
}

// PutBuf returns buf for reuse.  Buffers that were resliced to another
// length are dropped so GetBuf always hands out full-size ones.
func PutBuf(buf *[]byte) {
	if buf == nil || len(*buf) != ConnBufSize {
		return
	}
	connBufs.Put(buf)
}
