package defs

// Device major numbers. An inode's Major/Minor fields (already separate
// int16s in the on-disk record, never packed into one word) select which
// of these a device-file descriptor dispatches to.
const (
	D_CONSOLE = 1 // console device
	D_DEVNULL = 2 // /dev/null sink
	D_RAWDISK = 3 // whole-disk raw device
)
