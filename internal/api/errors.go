package api

import (
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-audit/internal/utils"
)

// ErrorResponse is the body of every failed HTTP request.
type ErrorResponse struct {
	ErrorCode utils.Code `json:"error_code"`
	Message   string     `json:"message"`
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code utils.Code) int {
	switch code {
	case utils.CodeCandidateNotFound:
		return http.StatusNotFound
	case utils.CodeInvalidRequest, utils.CodeInvalidTransition:
		return http.StatusBadRequest
	case utils.CodeDailyLimit:
		return http.StatusTooManyRequests
	case utils.CodeLLMSchema:
		return http.StatusUnprocessableEntity
	case utils.CodeLLMTimeout:
		return http.StatusGatewayTimeout
	}
	if strings.HasPrefix(string(code), "llm_") {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// GRPCCode maps an error code to its gRPC status code.
func GRPCCode(code utils.Code) codes.Code {
	switch code {
	case utils.CodeCandidateNotFound:
		return codes.NotFound
	case utils.CodeInvalidRequest:
		return codes.InvalidArgument
	case utils.CodeInvalidTransition:
		return codes.FailedPrecondition
	case utils.CodeDailyLimit, utils.CodeLLMRateLimited:
		return codes.ResourceExhausted
	case utils.CodeLLMTimeout:
		return codes.DeadlineExceeded
	case utils.CodeLLMCancelled:
		return codes.Canceled
	}
	if strings.HasPrefix(string(code), "llm_") {
		return codes.Unavailable
	}
	return codes.Internal
}

func newErrorResponse(err error) (int, ErrorResponse) {
	code := utils.CodeOf(err)
	return HTTPStatus(code), ErrorResponse{ErrorCode: code, Message: publicMessage(code, err)}
}

// publicMessage hides the detail of uncoded internal errors.
func publicMessage(code utils.Code, err error) string {
	if code == utils.CodeInternal {
		return "internal error"
	}
	return utils.MessageOf(err)
}

// statusError converts err into a gRPC status carrying the error code in its message.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	code := utils.CodeOf(err)
	return status.Error(GRPCCode(code), fmt.Sprintf("%s: %s", code, publicMessage(code, err)))
}

// CodeFromStatus recovers the error code echoed by statusError.
func CodeFromStatus(err error) utils.Code {
	st, ok := status.FromError(err)
	if !ok {
		return utils.CodeInternal
	}
	if prefix, _, found := strings.Cut(st.Message(), ":"); found {
		return utils.Code(prefix)
	}
	return utils.CodeInternal
}
