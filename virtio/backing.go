package virtio

import "os"

// NewFileBacked opens path as the queue's backing store, growing it to
// size bytes if it is smaller. Grounded on ufs/driver.go's file-backed
// ahci_disk_t, which plays the same role for the teacher's AHCI
// driver: a regular file standing in for the block device QEMU would
// otherwise be emulating.
func NewFileBacked(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// memBacking is an in-memory Backing for tests, avoiding a throwaway
// file on disk for every small read/write round trip.
type memBacking struct {
	data []byte
}

func newMemBacking(size int) *memBacking {
	return &memBacking{data: make([]byte, size)}
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}
