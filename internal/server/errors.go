package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	connectdomain "github.com/smallbiznis/herdpay/internal/connect/domain"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
	"github.com/smallbiznis/herdpay/internal/fee"
	paymentdomain "github.com/smallbiznis/herdpay/internal/payment/domain"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees
// plus the sentinel code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	} else if sentinel := sentinelCode(err); sentinel != "" {
		code = sentinel
	}
	return payload.Type, code
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if errors.Is(err, paymentdomain.ErrInvalidSignature) {
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, subscriptiondomain.ErrWrongAccountType):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: forbiddenMessage(err),
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, subscriptiondomain.ErrPricingUnavailable),
		errors.Is(err, escrowdomain.ErrPayeeNotOnboarded):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable",
			Message: strings.ReplaceAll(sentinelCode(err), "_", " "),
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, provider.ErrNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationErrors = []error{
	ErrInvalidRequest,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidEvent,
	accountdomain.ErrInvalidAccount,
	subscriptiondomain.ErrInvalidAccount,
	subscriptiondomain.ErrInvalidPrice,
	subscriptiondomain.ErrInvalidBillingCycle,
	subscriptiondomain.ErrInvalidAmount,
	escrowdomain.ErrInvalidPayment,
	escrowdomain.ErrInvalidLoad,
	escrowdomain.ErrInvalidCurrency,
	escrowdomain.ErrSameParty,
	fee.ErrInvalidAmount,
	provider.ErrInvalidRequest,
}

func isValidationError(err error) bool {
	return sentinelIn(err, validationErrors) != nil
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, subscriptiondomain.ErrAlreadySubscribed),
		errors.Is(err, paymentdomain.ErrEventInFlight),
		errors.Is(err, escrowdomain.ErrInvalidState):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, accountdomain.ErrNotFound),
		errors.Is(err, escrowdomain.ErrNotFound),
		errors.Is(err, connectdomain.ErrNotConnected),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func forbiddenMessage(err error) string {
	if errors.Is(err, subscriptiondomain.ErrWrongAccountType) {
		return "account type cannot subscribe"
	}
	return "forbidden"
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, subscriptiondomain.ErrAlreadySubscribed):
		return "already subscribed"
	case errors.Is(err, paymentdomain.ErrEventInFlight):
		return "event is being processed"
	case errors.Is(err, escrowdomain.ErrInvalidState):
		return "escrow payment is not in a releasable state"
	default:
		return "conflict"
	}
}

func sentinelIn(err error, candidates []error) error {
	for _, candidate := range candidates {
		if errors.Is(err, candidate) {
			return candidate
		}
	}
	return nil
}

var codedErrors = append([]error{
	ErrUnauthorized,
	ErrForbidden,
	ErrConflict,
	ErrNotFound,
	ErrServiceUnavailable,
	paymentdomain.ErrInvalidSignature,
	paymentdomain.ErrEventInFlight,
	paymentdomain.ErrHandlerFailure,
	accountdomain.ErrNotFound,
	subscriptiondomain.ErrWrongAccountType,
	subscriptiondomain.ErrAlreadySubscribed,
	subscriptiondomain.ErrPricingUnavailable,
	escrowdomain.ErrNotFound,
	escrowdomain.ErrPayeeNotOnboarded,
	escrowdomain.ErrInvalidState,
	connectdomain.ErrNotConnected,
	provider.ErrNotConfigured,
}, validationErrors...)

func sentinelCode(err error) string {
	if sentinel := sentinelIn(err, codedErrors); sentinel != nil {
		return sentinel.Error()
	}
	return ""
}

func validationErrorCode(err error) string {
	if sentinel := sentinelIn(err, validationErrors); sentinel != nil {
		return sentinel.Error()
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "payer_is_payee":
		return "payee_account_id"
	case "invalid_load_id":
		return "load_id"
	case "invalid_escrow_payment", "invalid_amount":
		return "amount"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "payer_is_payee":
		return "payer and payee must differ"
	default:
		return "invalid value"
	}
}
