package queue

import "sync"

// Received payloads are copied into pooled buffers so the event path does
// not allocate per message. Bucket sizes follow the wire geometry: one slot,
// an inline event payload, a small bulk message and one full bulk buffer.
// Larger requests are allocated directly and never pooled.
var buckets = [...]bucket{
	newBucket(64),
	newBucket(256),
	newBucket(1024),
	newBucket(4096),
}

type bucket struct {
	size int
	pool *sync.Pool
}

// Pools hold *[]byte so Put does not allocate an interface header.
func newBucket(size int) bucket {
	return bucket{size: size, pool: &sync.Pool{New: func() any {
		b := make([]byte, size)
		return &b
	}}}
}

// GetBuffer returns a buffer of length size. Pooled buffers should be
// handed back with PutBuffer.
func GetBuffer(size uint32) []byte {
	for _, b := range buckets {
		if int(size) <= b.size {
			return (*b.pool.Get().(*[]byte))[:size]
		}
	}
	return make([]byte, size)
}

// PutBuffer returns a buffer to the bucket matching its capacity. Buffers of
// any other capacity are left to the garbage collector.
func PutBuffer(buf []byte) {
	c := cap(buf)
	for _, b := range buckets {
		if c == b.size {
			buf = buf[:c]
			b.pool.Put(&buf)
			return
		}
	}
}
