package memcache

import (
	"github.com/dropbox/mcache/errors"
)

func NewStatusCodeError(status ResponseStatus) error {
	switch status {
	case StatusNoError:
		return nil
	case StatusKeyNotFound:
		return errors.New("Key not found")
	case StatusKeyExists:
		return errors.New("Key exists")
	case StatusValueTooLarge:
		return errors.New("Value too large")
	case StatusInvalidArguments:
		return errors.New("Invalid arguments")
	case StatusItemNotStored:
		return errors.New("Item not stored")
	case StatusIncrDecrOnNonNumericValue:
		return errors.New("Incr/decr on non-numeric value")
	case StatusUnknownCommand:
		return errors.New("Unknown command")
	case StatusOutOfMemory:
		return errors.New("Server out of memory")
	case StatusNotSupported:
		return errors.New("Not supported")
	case StatusInternalError:
		return errors.New("Server internal error")
	case StatusBusy:
		return errors.New("Server busy")
	case StatusTempFailure:
		return errors.New("Temporary server failure")
	default:
		return errors.Newf("Invalid status: %d", int(status))
	}
}

// Application level outcomes which are valid results rather than failures,
// per response type.
var (
	getOutcomes    = []ResponseStatus{StatusKeyNotFound}
	mutateOutcomes = []ResponseStatus{
		StatusKeyNotFound,
		StatusKeyExists,
		StatusItemNotStored,
	}
	countOutcomes = []ResponseStatus{
		StatusKeyNotFound,
		StatusIncrDecrOnNonNumericValue,
	}
)

// The genericResponse is an union of all response types.  Response interfaces
// will cover the fact that there's only one implementation for everything.
type genericResponse struct {
	// err and status are used by all responses.
	err    error
	status ResponseStatus

	// server error message, if any.
	message string

	// statuses which are reported as outcomes instead of errors.
	allowed []ResponseStatus

	// key is used by get / mutate / count responses.  The rest is used only
	// by get response.
	item Item

	// count is used by count response.
	count uint64

	// versions is used by version response.
	versions map[string]string

	// server address which returned the response.
	serverAddress string
}

func (r *genericResponse) Status() ResponseStatus {
	return r.status
}

func (r *genericResponse) Error() error {
	if r.err != nil {
		return r.err
	}
	if r.status == StatusNoError {
		return nil
	}
	for _, status := range r.allowed {
		if r.status == status {
			return nil
		}
	}
	err := NewStatusCodeError(r.status)
	if r.message != "" {
		err = errors.Wrap(err, r.message)
	}
	return err
}

func (r *genericResponse) Key() string {
	return r.item.Key
}

func (r *genericResponse) Value() []byte {
	return r.item.Value
}

func (r *genericResponse) Flags() uint32 {
	return r.item.Flags
}

func (r *genericResponse) DataVersionId() uint64 {
	return r.item.DataVersionId
}

func (r *genericResponse) Count() uint64 {
	return r.count
}

func (r *genericResponse) Versions() map[string]string {
	return r.versions
}

func (r *genericResponse) ServerAddress() string {
	return r.serverAddress
}

// This creates a Response from an error.
func NewErrorResponse(err error) Response {
	return &genericResponse{
		err: err,
	}
}

// This creates a Response from status.
func NewResponse(status ResponseStatus) Response {
	return &genericResponse{
		status: status,
	}
}

// This creates a GetResponse from an error.
func NewGetErrorResponse(key string, err error) GetResponse {
	resp := &genericResponse{
		err:     err,
		allowed: getOutcomes,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal GetResponse.
func NewGetResponse(
	key string,
	status ResponseStatus,
	flags uint32,
	value []byte,
	version uint64) GetResponse {

	resp := &genericResponse{
		status:  status,
		allowed: getOutcomes,
	}
	resp.item.Key = key
	if status == StatusNoError {
		if value == nil {
			resp.item.Value = []byte{}
		} else {
			resp.item.Value = value
		}
		resp.item.Flags = flags
		resp.item.DataVersionId = version
	}
	return resp
}

// This creates a MutateResponse from an error.
func NewMutateErrorResponse(key string, err error) MutateResponse {
	resp := &genericResponse{
		err:     err,
		allowed: mutateOutcomes,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal MutateResponse.
func NewMutateResponse(
	key string,
	status ResponseStatus,
	version uint64) MutateResponse {

	resp := &genericResponse{
		status:  status,
		allowed: mutateOutcomes,
	}
	resp.item.Key = key
	if status == StatusNoError {
		resp.item.DataVersionId = version
	}
	return resp
}

// This creates a CountResponse from an error.
func NewCountErrorResponse(key string, err error) CountResponse {
	resp := &genericResponse{
		err:     err,
		allowed: countOutcomes,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal CountResponse.
func NewCountResponse(
	key string,
	status ResponseStatus,
	count uint64) CountResponse {

	resp := &genericResponse{
		status:  status,
		allowed: countOutcomes,
	}
	resp.item.Key = key
	if status == StatusNoError {
		resp.count = count
	}
	return resp
}

// This creates a VersionResponse from an error.
func NewVersionErrorResponse(
	err error,
	versions map[string]string) VersionResponse {

	return &genericResponse{
		err:      err,
		versions: versions,
	}
}

// This creates a normal VersionResponse.
func NewVersionResponse(
	status ResponseStatus,
	versions map[string]string) VersionResponse {

	return &genericResponse{
		status:   status,
		versions: versions,
	}
}

// Converts a decoded outcome into the response type matching the request.
func newOutcomeResponse(
	req *Request,
	address string,
	outcome *Outcome) *genericResponse {

	resp := &genericResponse{
		status:        outcome.Status,
		message:       outcome.Message,
		serverAddress: address,
	}
	resp.item.Key = req.Key

	switch req.op {
	case opGet:
		resp.allowed = getOutcomes
		if outcome.Status == StatusNoError {
			resp.item.Value = outcome.Value
			if resp.item.Value == nil {
				resp.item.Value = []byte{}
			}
			resp.item.Flags = outcome.Flags
			resp.item.DataVersionId = outcome.DataVersionId
		}
	case opIncrement, opDecrement:
		resp.allowed = countOutcomes
		if outcome.Status == StatusNoError {
			resp.count = outcome.Count
		}
	case opVersion, opFlush:
	default:
		resp.allowed = mutateOutcomes
		if outcome.Status == StatusNoError {
			resp.item.DataVersionId = outcome.DataVersionId
		}
	}

	return resp
}

// Builds an error response for the request's response type.
func newRequestErrorResponse(
	req *Request,
	address string,
	err error) *genericResponse {

	resp := &genericResponse{
		err:           err,
		serverAddress: address,
	}
	resp.item.Key = req.Key
	switch req.op {
	case opGet:
		resp.allowed = getOutcomes
	case opIncrement, opDecrement:
		resp.allowed = countOutcomes
	case opVersion, opFlush:
	default:
		resp.allowed = mutateOutcomes
	}
	return resp
}
