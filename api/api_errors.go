package api

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/filecoin-project/go-jsonrpc"
)

const (
	ETaskNotFound = iota + jsonrpc.FirstUserCode
	EAwaitTimeout
	EUnknownDelegate
	EUnsupportedSchema
	EPerpetualNotFound
	ERateLimited
)

var (
	RPCErrors = jsonrpc.NewErrors()

	_ error = (*ErrTaskNotFound)(nil)
	_ error = (*ErrAwaitTimeout)(nil)
	_ error = (*ErrUnknownDelegate)(nil)
	_ error = (*ErrUnsupportedSchema)(nil)
	_ error = (*ErrPerpetualNotFound)(nil)
	_ error = (*ErrRateLimited)(nil)
)

func init() {
	RPCErrors.Register(ETaskNotFound, new(*ErrTaskNotFound))
	RPCErrors.Register(EAwaitTimeout, new(*ErrAwaitTimeout))
	RPCErrors.Register(EUnknownDelegate, new(*ErrUnknownDelegate))
	RPCErrors.Register(EUnsupportedSchema, new(*ErrUnsupportedSchema))
	RPCErrors.Register(EPerpetualNotFound, new(*ErrPerpetualNotFound))
	RPCErrors.Register(ERateLimited, new(*ErrRateLimited))
}

func ErrorIsIn(err error, errorTypes []error) bool {
	for _, etype := range errorTypes {
		tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
		if errors.As(err, tmp) {
			return true
		}
	}
	return false
}

// ErrTaskNotFound signals that no task has the requested id.
type ErrTaskNotFound struct{}

func (ErrTaskNotFound) Error() string { return "task not found" }

// ErrAwaitTimeout signals that the task did not resolve within the wait.
type ErrAwaitTimeout struct{}

func (ErrAwaitTimeout) Error() string { return "timed out waiting for task result" }

type ErrUnknownDelegate struct{}

func (ErrUnknownDelegate) Error() string { return "unknown delegate" }

type ErrUnsupportedSchema struct {
	Got int
	Max int
}

func (e ErrUnsupportedSchema) Error() string {
	return fmt.Sprintf("payload schema version %d not supported (max %d)", e.Got, e.Max)
}

type ErrPerpetualNotFound struct{}

func (ErrPerpetualNotFound) Error() string { return "perpetual task not found" }

// ErrRateLimited signals the caller should back off and retry.
type ErrRateLimited struct{}

func (ErrRateLimited) Error() string { return "too many requests" }
