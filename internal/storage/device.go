package storage

import "os"

// FileDevice adapts a regular file (or block device node, e.g. an mtd
// character device on the embedded target) to the Device interface.
// The real I2C FRAM chip access is hardware-specific and out of scope
// here; FileDevice is what New's dev parameter is given in place of it
// for every environment that exposes the NVM as a byte-addressable
// file, which includes the target's /dev/mtdblockN nodes.
type FileDevice struct {
	f    *os.File
	size uint32
}

// OpenFileDevice opens path for read/write access, creating it (and
// zero-filling it to size) if it doesn't already exist.
func OpenFileDevice(path string, size uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint32(info.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileDevice{f: f, size: size}, nil
}

// ReadAt implements Device.
func (d *FileDevice) ReadAt(offset uint32, buf []byte) error {
	_, err := d.f.ReadAt(buf, int64(offset))
	return err
}

// WriteAt implements Device.
func (d *FileDevice) WriteAt(offset uint32, data []byte) error {
	_, err := d.f.WriteAt(data, int64(offset))
	return err
}

// Size implements Device.
func (d *FileDevice) Size() uint32 { return d.size }

// Close releases the underlying file handle.
func (d *FileDevice) Close() error { return d.f.Close() }
