package server

import (
	"context"
	"errors"
	"net/http"

	"LeverLedger/internal/core"
	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/state"
	"LeverLedger/internal/token"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrUnauthenticated = errors.New("missing or invalid bearer token")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrForbidden       = errors.New("admin access required")
)

type errorMapping struct {
	err      error
	httpCode int
	grpcCode codes.Code
}

// errorMappings is checked in order with errors.Is.
var errorMappings = []errorMapping{
	{ErrUnauthenticated, http.StatusUnauthorized, codes.Unauthenticated},
	{ErrRateLimited, http.StatusTooManyRequests, codes.ResourceExhausted},
	{ErrForbidden, http.StatusForbidden, codes.PermissionDenied},
	{ErrUnavailable, http.StatusServiceUnavailable, codes.Unavailable},

	{ingestion.ErrInvalidCommand, http.StatusBadRequest, codes.InvalidArgument},
	{state.ErrInvalidAmount, http.StatusBadRequest, codes.InvalidArgument},
	{state.ErrInvalidSide, http.StatusBadRequest, codes.InvalidArgument},

	{state.ErrUnauthorized, http.StatusForbidden, codes.PermissionDenied},

	{state.ErrOpportunityNotFound, http.StatusNotFound, codes.NotFound},
	{state.ErrChainNotFound, http.StatusNotFound, codes.NotFound},
	{state.ErrPositionNotFound, http.StatusNotFound, codes.NotFound},

	{core.ErrDuplicateRequest, http.StatusConflict, codes.AlreadyExists},
	{core.ErrReentrantCall, http.StatusConflict, codes.Aborted},

	{state.ErrMarketResolved, http.StatusConflict, codes.FailedPrecondition},
	{state.ErrAlreadyResolved, http.StatusConflict, codes.FailedPrecondition},
	{state.ErrNotResolved, http.StatusConflict, codes.FailedPrecondition},
	{state.ErrChainLiquidated, http.StatusConflict, codes.FailedPrecondition},
	{state.ErrPositionInactive, http.StatusConflict, codes.FailedPrecondition},
	{state.ErrDoubleClaim, http.StatusConflict, codes.FailedPrecondition},
	{state.ErrInsufficientCollateral, http.StatusUnprocessableEntity, codes.FailedPrecondition},
	{state.ErrNothingToClaim, http.StatusUnprocessableEntity, codes.FailedPrecondition},
	{token.ErrTransferFailed, http.StatusUnprocessableEntity, codes.FailedPrecondition},

	{core.ErrCoreStopped, http.StatusServiceUnavailable, codes.Unavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded},
	{context.Canceled, 499, codes.Canceled},
}

// HTTPStatus maps an operation error to its HTTP status; unknown errors are 500.
func HTTPStatus(err error) int {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.httpCode
		}
	}
	return http.StatusInternalServerError
}

// GRPCCode maps an operation error to its gRPC code; unknown errors are Internal.
func GRPCCode(err error) codes.Code {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.grpcCode
		}
	}
	return codes.Internal
}

// GRPCError converts err into a status error. Internal errors do not leak
// their message.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := GRPCCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// ErrorBody is the JSON error envelope of the HTTP API.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func errorBody(err error) ErrorBody {
	code := HTTPStatus(err)
	if code == http.StatusInternalServerError {
		return ErrorBody{Error: "internal error", Reason: "internal"}
	}
	reason := core.RejectReason(err)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		reason = "unauthenticated"
	case errors.Is(err, ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, ErrForbidden):
		reason = "forbidden"
	case errors.Is(err, ErrUnavailable), errors.Is(err, core.ErrCoreStopped):
		reason = "unavailable"
	case errors.Is(err, ingestion.ErrInvalidCommand):
		reason = "invalid_argument"
	}
	return ErrorBody{Error: err.Error(), Reason: reason}
}
