package match

import (
	"errors"

	"github.com/0x5487/matching-core/protocol"
)

var (
	ErrInsufficientLiquidity = errors.New("there is not enough depth to fill the order")
	ErrValidation            = errors.New("order validation failed")
	ErrInvalidParam          = fmtValidation("the param is invalid")
	ErrPriceOutOfBand        = fmtValidation("price is outside the instrument band")
	ErrReservationFailed     = fmtValidation("reservation was refused")
	ErrPersistenceFailure    = errors.New("order could not be written durably")
	ErrTimeout               = errors.New("timeout")
	ErrShutdown              = errors.New("matching engine is shutting down")
	ErrNotStarted            = errors.New("pipeline is not started")
	ErrNotFound              = errors.New("not found")
)

type validationError struct {
	msg string
}

func fmtValidation(msg string) error {
	return &validationError{msg: msg}
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Is(target error) bool { return target == ErrValidation }

// RejectReasonOf maps an error returned by the pipeline to its reject reason.
func RejectReasonOf(err error) protocol.RejectReason {
	switch {
	case err == nil:
		return protocol.RejectReasonNone
	case errors.Is(err, ErrInsufficientLiquidity):
		return protocol.RejectReasonNoLiquidity
	case errors.Is(err, ErrPriceOutOfBand):
		return protocol.RejectReasonPriceOutOfBand
	case errors.Is(err, ErrReservationFailed):
		return protocol.RejectReasonReservationFailed
	case errors.Is(err, ErrPersistenceFailure):
		return protocol.RejectReasonPersistenceFailure
	case errors.Is(err, ErrShutdown):
		return protocol.RejectReasonShutdown
	case errors.Is(err, ErrTimeout):
		return protocol.RejectReasonTimeout
	default:
		return protocol.RejectReasonInvalidPayload
	}
}
