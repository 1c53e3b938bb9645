package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRange interprets an HTTP/S3 byte range header value ("bytes=a-b",
// "bytes=a-", "bytes=-n") against an object of the given size, returning the
// starting offset and length of the slice. Endpoints are inclusive. Ranges
// that start beyond the end of the object fail with ErrInvalidRange.
func ParseRange(spec string, size int64) (offset, length int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(spec, prefix) {
		return 0, 0, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, spec)
	}

	bounds := strings.SplitN(strings.TrimPrefix(spec, prefix), "-", 2)
	if len(bounds) != 2 {
		return 0, 0, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, spec)
	}
	first, last := strings.TrimSpace(bounds[0]), strings.TrimSpace(bounds[1])

	switch {
	case first == "" && last == "":
		return 0, 0, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, spec)

	case first == "":
		// Suffix range: the last n bytes.
		n, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, spec)
		}
		if n > size {
			n = size
		}
		return size - n, n, nil

	default:
		start, perr := strconv.ParseInt(first, 10, 64)
		if perr != nil || start < 0 {
			return 0, 0, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, spec)
		}
		if start >= size {
			return 0, 0, fmt.Errorf("%w: range start %d beyond object size %d", ErrInvalidRange, start, size)
		}
		if last == "" {
			return start, size - start, nil
		}
		end, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || end < start {
			return 0, 0, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, spec)
		}
		if end >= size {
			end = size - 1
		}
		return start, end - start + 1, nil
	}
}

// ParseRangeStrict is ParseRange without end clamping: a copy-source range
// whose end lies beyond the source object is rejected rather than truncated.
func ParseRangeStrict(spec string, size int64) (offset, length int64, err error) {
	offset, length, err = ParseRange(spec, size)
	if err != nil {
		return 0, 0, err
	}
	if offset+length > size {
		return 0, 0, fmt.Errorf("%w: range end beyond object size %d", ErrInvalidRange, size)
	}
	// Re-derive the requested end from the raw spec to detect clamping.
	bounds := strings.SplitN(strings.TrimPrefix(spec, "bytes="), "-", 2)
	if len(bounds) == 2 && bounds[0] != "" && bounds[1] != "" {
		if end, perr := strconv.ParseInt(strings.TrimSpace(bounds[1]), 10, 64); perr == nil && end >= size {
			return 0, 0, fmt.Errorf("%w: range end %d beyond object size %d", ErrInvalidRange, end, size)
		}
	}
	return offset, length, nil
}
