package storage

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// ChecksumPrefix is the algorithm prefix of every checksum a backend computes.
const ChecksumPrefix = "md5:"

// formatChecksum renders a finished hash as "md5:<hex>".
func formatChecksum(h hash.Hash) string {
	return ChecksumPrefix + hex.EncodeToString(h.Sum(nil))
}

// Checksum returns the checksum of data in the format backends report.
func Checksum(data []byte) string {
	h := md5.New()
	h.Write(data)
	return formatChecksum(h)
}

// copyExact copies size bytes from r to w. A negative size copies until EOF.
// A reader that ends early yields io.ErrUnexpectedEOF, which is how a client
// disconnect surfaces.
func copyExact(w io.Writer, r io.Reader, size int64) (int64, error) {
	if size < 0 {
		return io.Copy(w, r)
	}
	n, err := io.CopyN(w, r, size)
	if err == io.EOF {
		return n, fmt.Errorf("read %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}
	return n, err
}

// readExact reads the whole stream into memory, honoring size as copyExact does.
func readExact(r io.Reader, size int64) ([]byte, error) {
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := copyExact(&buf, r, size); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
