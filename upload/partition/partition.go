// Package partition computes the part layout of a multipart transfer.
// It is purely arithmetic: given a total size and a part size it decides how
// many parts a file decomposes into and which byte range each part covers.
package partition

// NumParts returns the number of parts a file of totalSize bytes splits into
// when uploaded in partSize chunks. A file always has at least one part, so
// even a zero-byte file is transferred as a single empty part.
func NumParts(totalSize, partSize int64) int {
	if totalSize <= 0 {
		return 1
	}
	n := totalSize / partSize
	if totalSize%partSize != 0 {
		n++
	}
	return int(n)
}

// Range returns the half-open byte range [start, end) covered by the part
// with the given 1-based part number. The last part is truncated to the file
// size. Ranges for 1..NumParts exactly cover [0, totalSize) with no gaps and
// no overlaps.
func Range(partNumber int, totalSize, partSize int64) (start, end int64) {
	start = int64(partNumber-1) * partSize
	end = start + partSize
	if end > totalSize {
		end = totalSize
	}
	if start > totalSize {
		start = totalSize
	}
	return start, end
}
