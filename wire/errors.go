package wire

import "errors"

var (
	ErrShortHeader = errors.New("wire: buffer shorter than header size")
	ErrTruncated   = errors.New("wire: payload shorter than declared payload_len")
	ErrBadChecksum = errors.New("wire: checksum mismatch")
)
