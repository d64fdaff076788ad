package ws

import (
	"errors"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
	"github.com/mqy/minichat/history"
	"github.com/mqy/minichat/wire"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrBackpressure  = errors.New("session send queue is full")
)

func newInvalidArgumentError(req *wire.ClientMsg, errs ...string) *wire.Error {
	return &wire.Error{
		Code:   wire.CodeInvalidArgument,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *wire.ClientMsg, err string) *wire.Error {
	return &wire.Error{
		Code:   wire.CodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

// toWireError maps a domain error onto the client error frame.
func toWireError(req *wire.ClientMsg, err error) *wire.Error {
	var qe *history.InvalidHistoryQueryError
	switch {
	case delivery.IsInvalidAck(err):
		return &wire.Error{Code: wire.CodeInvalidAck, Params: []string{err.Error()}, Req: req}
	case delivery.IsDeliveryNotAllowed(err):
		return &wire.Error{Code: wire.CodeDeliveryNotAllowed, Params: []string{err.Error()}, Req: req}
	case errors.Is(err, delivery.ErrRecordNotFound), errors.Is(err, chatstore.ErrNotFound):
		return &wire.Error{Code: wire.CodeNotFound, Params: []string{err.Error()}, Req: req}
	case errors.As(err, &qe):
		return newInvalidArgumentError(req, qe.Reason)
	}
	return newInternalError(req, err.Error())
}

// interceptError hides internal error details from clients.
func interceptError(err *wire.Error) {
	if err.Code == wire.CodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
