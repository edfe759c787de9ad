package memcache

import (
	"strconv"
)

//
// Magic Byte
//

const (
	reqMagicByte  uint8 = 0x80
	respMagicByte uint8 = 0x81
)

//
// Limits
//

const (
	headerLength = 24
	maxKeyLength = 250
	// NOTE: Storing values larger than 1MB requires recompiling memcached.
	maxValueLength = 1024 * 1024

	// incr/decr expiration which tells the server to fail with
	// StatusKeyNotFound instead of seeding a missing counter.
	noSeedExpiration uint32 = 0xffffffff
)

//
// Response Status
//

type ResponseStatus uint16

const (
	StatusNoError ResponseStatus = iota
	StatusKeyNotFound
	StatusKeyExists
	StatusValueTooLarge
	StatusInvalidArguments
	StatusItemNotStored
	StatusIncrDecrOnNonNumericValue
)

const (
	StatusUnknownCommand ResponseStatus = 0x81 + iota
	StatusOutOfMemory
	StatusNotSupported
	StatusInternalError
	StatusBusy
	StatusTempFailure
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusNoError:
		return "NoError"
	case StatusKeyNotFound:
		return "KeyNotFound"
	case StatusKeyExists:
		return "KeyExists"
	case StatusValueTooLarge:
		return "ValueTooLarge"
	case StatusInvalidArguments:
		return "InvalidArguments"
	case StatusItemNotStored:
		return "ItemNotStored"
	case StatusIncrDecrOnNonNumericValue:
		return "IncrDecrOnNonNumericValue"
	case StatusUnknownCommand:
		return "UnknownCommand"
	case StatusOutOfMemory:
		return "OutOfMemory"
	case StatusNotSupported:
		return "NotSupported"
	case StatusInternalError:
		return "InternalError"
	case StatusBusy:
		return "Busy"
	case StatusTempFailure:
		return "TempFailure"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

//
// Command Opcodes (binary protocol values)
//

type opCode uint8

const (
	opGet       opCode = 0x00
	opSet       opCode = 0x01
	opAdd       opCode = 0x02
	opReplace   opCode = 0x03
	opDelete    opCode = 0x04
	opIncrement opCode = 0x05
	opDecrement opCode = 0x06
	opFlush     opCode = 0x08
	opVersion   opCode = 0x0b
	opAppend    opCode = 0x0e
	opPrepend   opCode = 0x0f
	opTouch     opCode = 0x1c
)

// Returns the operation's name, which is also the text protocol command.
func (op opCode) String() string {
	switch op {
	case opGet:
		return "get"
	case opSet:
		return "set"
	case opAdd:
		return "add"
	case opReplace:
		return "replace"
	case opDelete:
		return "delete"
	case opIncrement:
		return "incr"
	case opDecrement:
		return "decr"
	case opFlush:
		return "flush_all"
	case opVersion:
		return "version"
	case opAppend:
		return "append"
	case opPrepend:
		return "prepend"
	case opTouch:
		return "touch"
	default:
		return "op(" + strconv.Itoa(int(op)) + ")"
	}
}

func (op opCode) isStorage() bool {
	switch op {
	case opSet, opAdd, opReplace, opAppend, opPrepend:
		return true
	}
	return false
}

func (op opCode) hasKey() bool {
	return op != opFlush && op != opVersion
}
