package memcache

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/dropbox/mcache/errors"
)

// Item flag which asks the client to zlib compress the value on store and
// decompress it on retrieval.  The flag is stored alongside the value, so
// readers which don't set it still get the flag back and can tell the value
// apart from raw bytes.
const FlagCompress uint32 = 0x00010000

// A value carrying FlagCompress could not be decompressed.  This is a
// per-request error; the server which returned the value stays UP.
var ErrCorruptValue = errors.New("Corrupt compressed value")

// Compressed values are framed as a 4 byte little endian uncompressed length
// followed by a zlib stream.
const compressHeaderLength = 4

func compressValue(value []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(compressHeaderLength + len(value)/2)

	var header [compressHeaderLength]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(value)))
	buf.Write(header[:])

	writer := zlib.NewWriter(buf)
	if _, err := writer.Write(value); err != nil {
		return nil, errors.Wrap(err, "Failed to compress value")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "Failed to compress value")
	}
	return buf.Bytes(), nil
}

func decompressValue(data []byte) ([]byte, error) {
	if len(data) < compressHeaderLength {
		return nil, errors.Wrapf(
			ErrCorruptValue,
			"Compressed value too short (%d bytes)",
			len(data))
	}

	size := binary.LittleEndian.Uint32(data[:compressHeaderLength])
	if size > maxValueLength {
		return nil, errors.Wrapf(
			ErrCorruptValue,
			"Uncompressed length %d longer than max length %d",
			size,
			maxValueLength)
	}

	reader, err := zlib.NewReader(bytes.NewReader(data[compressHeaderLength:]))
	if err != nil {
		return nil, errors.Wrap(ErrCorruptValue, err.Error())
	}
	defer reader.Close()

	value := make([]byte, 0, size)
	buf := bytes.NewBuffer(value)
	if _, err := io.Copy(buf, io.LimitReader(reader, int64(size)+1)); err != nil {
		return nil, errors.Wrap(ErrCorruptValue, err.Error())
	}
	if buf.Len() != int(size) {
		return nil, errors.Wrapf(
			ErrCorruptValue,
			"Uncompressed length %d does not match header length %d",
			buf.Len(),
			size)
	}
	return buf.Bytes(), nil
}

// Replaces a stored item's value with its compressed form when the item asks
// for compression.
func compressItemValue(flags uint32, value []byte) ([]byte, error) {
	if flags&FlagCompress == 0 {
		return value, nil
	}
	return compressValue(value)
}

// Decompresses a retrieved value in place.  A corrupt value turns the
// response into an error response.
func decompressResponse(resp *genericResponse) *genericResponse {
	if resp.err != nil ||
		resp.status != StatusNoError ||
		resp.item.Flags&FlagCompress == 0 {

		return resp
	}

	value, err := decompressValue(resp.item.Value)
	if err != nil {
		return &genericResponse{
			err:           err,
			allowed:       resp.allowed,
			serverAddress: resp.serverAddress,
			item:          Item{Key: resp.item.Key},
		}
	}
	resp.item.Value = value
	return resp
}
