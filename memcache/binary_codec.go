package memcache

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/dropbox/mcache/errors"
)

// Upper bound on a response body.  Anything larger than the max value plus
// room for key and extras is treated as a corrupted header.
const maxBodyLength = maxValueLength + maxKeyLength + 64

type header struct {
	Magic             uint8
	OpCode            uint8
	KeyLength         uint16
	ExtrasLength      uint8
	DataType          uint8
	VBucketIdOrStatus uint16 // vbucket id for request, status for response
	TotalBodyLength   uint32
	Opaque            uint32 // unused
	DataVersionId     uint64 // aka CAS
}

func (h *header) encode(buf []byte) []byte {
	var raw [headerLength]byte
	raw[0] = h.Magic
	raw[1] = h.OpCode
	binary.BigEndian.PutUint16(raw[2:4], h.KeyLength)
	raw[4] = h.ExtrasLength
	raw[5] = h.DataType
	binary.BigEndian.PutUint16(raw[6:8], h.VBucketIdOrStatus)
	binary.BigEndian.PutUint32(raw[8:12], h.TotalBodyLength)
	binary.BigEndian.PutUint32(raw[12:16], h.Opaque)
	binary.BigEndian.PutUint64(raw[16:24], h.DataVersionId)
	return append(buf, raw[:]...)
}

func decodeHeader(raw []byte) header {
	return header{
		Magic:             raw[0],
		OpCode:            raw[1],
		KeyLength:         binary.BigEndian.Uint16(raw[2:4]),
		ExtrasLength:      raw[4],
		DataType:          raw[5],
		VBucketIdOrStatus: binary.BigEndian.Uint16(raw[6:8]),
		TotalBodyLength:   binary.BigEndian.Uint32(raw[8:12]),
		Opaque:            binary.BigEndian.Uint32(raw[12:16]),
		DataVersionId:     binary.BigEndian.Uint64(raw[16:24]),
	}
}

// Codec for memcached's binary protocol.  See
// https://github.com/memcached/memcached/wiki/BinaryProtocolRevamped for
// additional details.
type BinaryCodec struct{}

func NewBinaryCodec() Codec {
	return BinaryCodec{}
}

// Returns the request extras for the op.  NOTE: extras are fix-sized values.
func binaryExtras(req *Request) []byte {
	var extras []byte
	switch req.op {
	case opSet, opAdd, opReplace:
		extras = make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:4], req.Flags)
		binary.BigEndian.PutUint32(extras[4:8], req.Expiration)
	case opIncrement, opDecrement:
		// delta, initial value, expiration.  The all-ones expiration makes
		// the server fail missing counters instead of seeding them.
		initial := uint64(0)
		expiration := noSeedExpiration
		if req.Seed {
			initial = req.Initial
			expiration = req.Expiration
		}
		extras = make([]byte, 20)
		binary.BigEndian.PutUint64(extras[0:8], req.Delta)
		binary.BigEndian.PutUint64(extras[8:16], initial)
		binary.BigEndian.PutUint32(extras[16:20], expiration)
	case opTouch, opFlush:
		extras = make([]byte, 4)
		binary.BigEndian.PutUint32(extras[0:4], req.Expiration)
	}
	return extras
}

// See Codec interface for documentation.
func (BinaryCodec) Encode(buf []byte, req *Request) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return buf, err
	}

	var key, value []byte
	if req.op.hasKey() {
		key = []byte(req.Key)
	}
	if req.op.isStorage() {
		value = req.Value
	}
	extras := binaryExtras(req)

	var dataVersionId uint64
	if req.op == opSet || req.op == opAdd || req.op == opReplace {
		dataVersionId = req.DataVersionId
	}

	// NOTE:
	// - memcache only supports a single dataType (0x0)
	// - vbucket id is not used by the library since vbucket related op
	//   codes are unsupported
	hdr := header{
		Magic:           reqMagicByte,
		OpCode:          byte(req.op),
		KeyLength:       uint16(len(key)),
		ExtrasLength:    uint8(len(extras)),
		TotalBodyLength: uint32(len(key) + len(value) + len(extras)),
		DataVersionId:   dataVersionId,
	}

	buf = hdr.encode(buf)
	buf = append(buf, extras...)
	buf = append(buf, key...)
	buf = append(buf, value...)
	return buf, nil
}

// See Codec interface for documentation.
func (BinaryCodec) Decode(reader *bufio.Reader, req *Request) (*Outcome, error) {
	raw := make([]byte, headerLength)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrap(err, "Failed to read header")
	}

	hdr := decodeHeader(raw)
	if hdr.Magic != respMagicByte {
		return nil, newProtocolError("Invalid response magic byte: %d", hdr.Magic)
	}
	if hdr.OpCode != byte(req.op) {
		return nil, newProtocolError("Invalid response op code: %d", hdr.OpCode)
	}
	if hdr.DataType != 0 {
		return nil, newProtocolError("Invalid data type: %d", hdr.DataType)
	}
	if hdr.TotalBodyLength > maxBodyLength {
		return nil, newProtocolError(
			"Response body length %d too large",
			hdr.TotalBodyLength)
	}

	valueLength := int(hdr.TotalBodyLength)
	valueLength -= int(hdr.KeyLength) + int(hdr.ExtrasLength)
	if valueLength < 0 {
		return nil, newProtocolError("Invalid response header.  Wrong payload size.")
	}

	body := make([]byte, hdr.TotalBodyLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, errors.Wrap(err, "Failed to read body")
	}
	extras := body[:hdr.ExtrasLength]
	value := body[int(hdr.ExtrasLength)+int(hdr.KeyLength):]

	outcome := &Outcome{
		Status:        ResponseStatus(hdr.VBucketIdOrStatus),
		DataVersionId: hdr.DataVersionId,
	}

	if outcome.Status != StatusNoError {
		// The value holds a human readable error message.
		outcome.Message = string(value)
		outcome.DataVersionId = 0
		return outcome, nil
	}

	switch req.op {
	case opGet:
		if len(extras) != 4 {
			return nil, newProtocolError("Expecting 4 bytes of flags, got %d", len(extras))
		}
		outcome.Flags = binary.BigEndian.Uint32(extras)
		outcome.Value = value
	case opIncrement, opDecrement:
		if len(value) != 8 {
			return nil, newProtocolError("Expecting 8 bytes of count, got %d", len(value))
		}
		outcome.Count = binary.BigEndian.Uint64(value)
	case opVersion:
		outcome.Version = string(value)
	default:
		if len(extras) != 0 || len(value) != 0 {
			return nil, newProtocolError("Unexpected payload for %s response", req.op)
		}
	}

	return outcome, nil
}
