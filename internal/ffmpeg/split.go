package ffmpeg

import "bytes"

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// SplitJPEG extracts the next complete JPEG image (SOI through EOI).
// Bytes preceding the start marker are discarded.
func SplitJPEG(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := bytes.Index(*buffer, jpegStart)
	if startIdx == -1 {
		// Keep a trailing 0xFF that may begin a marker
		if (*buffer)[len(*buffer)-1] == 0xFF {
			*buffer = (*buffer)[len(*buffer)-1:]
		} else {
			*buffer = (*buffer)[:0]
		}
		return nil
	}

	endIdx := bytes.Index((*buffer)[startIdx+2:], jpegEnd)
	if endIdx == -1 {
		return nil
	}
	endIdx += startIdx + 2 + len(jpegEnd)

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// SplitFixed returns a splitter that cuts the stream into size-byte chunks
func SplitFixed(size int) Splitter {
	if size <= 0 {
		size = 1024
	}
	return func(buffer *[]byte) []byte {
		if len(*buffer) < size {
			return nil
		}
		chunk := make([]byte, size)
		copy(chunk, (*buffer)[:size])
		*buffer = (*buffer)[size:]
		return chunk
	}
}
