package memcache

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// Codec for memcached's ascii (line oriented) protocol.  Retrievals always
// use "gets" since returning the extra cas id info is relatively cheap.
type TextCodec struct{}

func NewTextCodec() Codec {
	return TextCodec{}
}

func appendUint(buf []byte, v uint64) []byte {
	return strconv.AppendUint(buf, v, 10)
}

// See Codec interface for documentation.
func (TextCodec) Encode(buf []byte, req *Request) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return buf, err
	}

	switch req.op {
	case opGet:
		buf = append(buf, "gets "...)
		buf = append(buf, req.Key...)
	case opSet, opAdd, opReplace, opAppend, opPrepend:
		cmd := req.op.String()
		if req.DataVersionId != 0 {
			cmd = "cas"
		}
		buf = append(buf, cmd...)
		buf = append(buf, ' ')
		buf = append(buf, req.Key...)
		buf = append(buf, ' ')
		buf = appendUint(buf, uint64(req.Flags))
		buf = append(buf, ' ')
		buf = appendUint(buf, uint64(req.Expiration))
		buf = append(buf, ' ')
		buf = appendUint(buf, uint64(len(req.Value)))
		if req.DataVersionId != 0 {
			buf = append(buf, ' ')
			buf = appendUint(buf, req.DataVersionId)
		}
		buf = append(buf, "\r\n"...)
		buf = append(buf, req.Value...)
	case opIncrement, opDecrement:
		buf = append(buf, req.op.String()...)
		buf = append(buf, ' ')
		buf = append(buf, req.Key...)
		buf = append(buf, ' ')
		buf = appendUint(buf, req.Delta)
	case opDelete:
		buf = append(buf, "delete "...)
		buf = append(buf, req.Key...)
	case opTouch:
		buf = append(buf, "touch "...)
		buf = append(buf, req.Key...)
		buf = append(buf, ' ')
		buf = appendUint(buf, uint64(req.Expiration))
	case opVersion:
		buf = append(buf, "version"...)
	case opFlush:
		buf = append(buf, "flush_all "...)
		buf = appendUint(buf, uint64(req.Expiration))
	default:
		return buf, newProtocolError("Unsupported op %s", req.op)
	}

	return append(buf, "\r\n"...), nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, isPrefix, err := reader.ReadLine()
	if err != nil {
		return "", err
	}
	if isPrefix {
		return "", newProtocolError("Readline truncated")
	}

	return string(line), nil
}

// Well-formed error replies are outcomes, not failures.  Returns nil if the
// line is not an error reply.
func parseErrorLine(line string) *Outcome {
	switch {
	case line == "ERROR":
		return &Outcome{Status: StatusUnknownCommand, Message: line}
	case strings.HasPrefix(line, "CLIENT_ERROR"):
		return &Outcome{
			Status:  StatusInvalidArguments,
			Message: strings.TrimSpace(line[len("CLIENT_ERROR"):]),
		}
	case strings.HasPrefix(line, "SERVER_ERROR"):
		msg := strings.TrimSpace(line[len("SERVER_ERROR"):])
		status := StatusInternalError
		if strings.Contains(msg, "out of memory") {
			status = StatusOutOfMemory
		} else if strings.Contains(msg, "too large") {
			status = StatusValueTooLarge
		}
		return &Outcome{Status: status, Message: msg}
	}
	return nil
}

// See Codec interface for documentation.
func (TextCodec) Decode(reader *bufio.Reader, req *Request) (*Outcome, error) {
	switch req.op {
	case opGet:
		return decodeTextRetrieval(reader, req.Key)
	}

	line, err := readLine(reader)
	if err != nil {
		return nil, err
	}

	switch req.op {
	case opSet, opAdd, opReplace, opAppend, opPrepend:
		switch line {
		case "STORED":
			return &Outcome{Status: StatusNoError}, nil
		case "NOT_STORED":
			return &Outcome{Status: StatusItemNotStored}, nil
		case "EXISTS":
			return &Outcome{Status: StatusKeyExists}, nil
		case "NOT_FOUND":
			return &Outcome{Status: StatusKeyNotFound}, nil
		}
	case opDelete:
		switch line {
		case "DELETED":
			return &Outcome{Status: StatusNoError}, nil
		case "NOT_FOUND":
			return &Outcome{Status: StatusKeyNotFound}, nil
		}
	case opTouch:
		switch line {
		case "TOUCHED":
			return &Outcome{Status: StatusNoError}, nil
		case "NOT_FOUND":
			return &Outcome{Status: StatusKeyNotFound}, nil
		}
	case opIncrement, opDecrement:
		if line == "NOT_FOUND" {
			return &Outcome{Status: StatusKeyNotFound}, nil
		}
		if strings.HasPrefix(line, "CLIENT_ERROR") {
			// e.g., "CLIENT_ERROR cannot increment or decrement non-numeric
			// value"
			outcome := parseErrorLine(line)
			outcome.Status = StatusIncrDecrOnNonNumericValue
			return outcome, nil
		}
		if val, err := strconv.ParseUint(line, 10, 64); err == nil {
			return &Outcome{Status: StatusNoError, Count: val}, nil
		}
	case opVersion:
		if strings.HasPrefix(line, "VERSION ") {
			return &Outcome{
				Status:  StatusNoError,
				Version: line[len("VERSION "):],
			}, nil
		}
	case opFlush:
		if line == "OK" {
			return &Outcome{Status: StatusNoError}, nil
		}
	}

	if outcome := parseErrorLine(line); outcome != nil {
		return outcome, nil
	}

	return nil, newProtocolError("Unexpected %s response: %q", req.op, line)
}

func decodeTextRetrieval(reader *bufio.Reader, key string) (*Outcome, error) {
	line, err := readLine(reader)
	if err != nil {
		return nil, err
	}

	if line == "END" {
		return &Outcome{Status: StatusKeyNotFound}, nil
	}

	if !strings.HasPrefix(line, "VALUE ") {
		if outcome := parseErrorLine(line); outcome != nil {
			return outcome, nil
		}
		return nil, newProtocolError("Unexpected get response: %q", line)
	}

	// line is of the form: VALUE <key> <flags> <num bytes> [<cas id>]
	slice := strings.Split(line, " ")
	if len(slice) != 4 && len(slice) != 5 {
		return nil, newProtocolError("Malformed VALUE line: %q", line)
	}
	if slice[1] != key {
		return nil, newProtocolError(
			"Unexpected key in VALUE line (expected %q): %q",
			key,
			line)
	}

	flags, err := strconv.ParseUint(slice[2], 10, 32)
	if err != nil {
		return nil, newProtocolError("Malformed flags: %q", line)
	}

	size, err := strconv.ParseUint(slice[3], 10, 32)
	if err != nil || size > maxValueLength {
		return nil, newProtocolError("Malformed size: %q", line)
	}

	var version uint64
	if len(slice) == 5 {
		version, err = strconv.ParseUint(slice[4], 10, 64)
		if err != nil {
			return nil, newProtocolError("Malformed cas id: %q", line)
		}
	}

	value := make([]byte, int(size)+2)
	if _, err := io.ReadFull(reader, value); err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(value, []byte("\r\n")) {
		// The declared length does not match the data block.
		return nil, newProtocolError("Corrupted stream: bad data block terminator")
	}
	value = value[:size]

	line, err = readLine(reader)
	if err != nil {
		return nil, err
	}
	if line != "END" {
		return nil, newProtocolError("Expected END, got: %q", line)
	}

	return &Outcome{
		Status:        StatusNoError,
		Value:         value,
		Flags:         uint32(flags),
		DataVersionId: version,
	}, nil
}
