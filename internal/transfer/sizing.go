package transfer

const (
	KiB = 1024
	MiB = 1024 * KiB

	// BigFileThreshold is the size from which uploads take the big-file path.
	BigFileThreshold int64 = 10 * MiB
)

// PartSize returns the upload part size for a payload of size bytes.
func PartSize(size int64) int {
	switch {
	case size <= 100*MiB:
		return 128 * KiB
	case size <= 750*MiB:
		return 256 * KiB
	default:
		return 512 * KiB
	}
}

// PartCount returns how many parts of partSize make up size bytes.
func PartCount(size int64, partSize int) int {
	return int((size + int64(partSize) - 1) / int64(partSize))
}

// IsBig reports whether a payload of size bytes takes the big-file path.
func IsBig(size int64) bool {
	return size >= BigFileThreshold
}
