package handler

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

// IdempotencyKeyHeader carries the idempotency key of a mutating request. It takes
// precedence over the idempotency_key body field.
const IdempotencyKeyHeader = "Idempotency-Key"

const (
	maxBodyBytes            = 1 << 20
	maxIdempotencyKeyLength = 128
)

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type MovementResponse struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	Amount             string    `json:"amount"`
	SourceAccount      string    `json:"source_account,omitempty"`
	DestinationAccount string    `json:"destination_account,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

func toMovementResponse(m *domain.Movement) *MovementResponse {
	if m == nil {
		return nil
	}
	return &MovementResponse{
		ID:                 m.ID.String(),
		Type:               string(m.Type),
		Amount:             m.Amount.String(),
		SourceAccount:      m.SourceAccount,
		DestinationAccount: m.DestAccount,
		Timestamp:          m.Timestamp,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

// writeError renders any error as the error envelope. Causes are never rendered.
func writeError(w http.ResponseWriter, err error) {
	appErr := errors.From(err)
	w.Header().Set("Content-Type", "application/json")

	statusCode := appErr.HTTPStatus()
	errResponse := Error{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{Error: &errResponse})
}

// decodeRequest reads a JSON body into dst and validates its tags.
func decodeRequest(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}

	if err := validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if stderrors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return validationError(validationErrors[0])
		}
		return errors.NewAppError(errors.InvalidInput, "invalid request body")
	}
	return nil
}

func validationError(fe validator.FieldError) error {
	field := fe.Field()

	var details string
	switch fe.Tag() {
	case "required":
		details = fmt.Sprintf("'%s' is required", field)
	case "max":
		details = fmt.Sprintf("'%s' must be at most %s characters", field, fe.Param())
	case "decimal":
		return errors.ErrInvalidAmount.WithDetails(fmt.Sprintf("'%s' must be a decimal number", field))
	default:
		details = fmt.Sprintf("'%s' is invalid", field)
	}
	return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(details)
}

func init() {
	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := validate.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
}

func idempotencyKey(r *http.Request, fromBody string) (string, error) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		key = strings.TrimSpace(fromBody)
	}
	if len(key) > maxIdempotencyKeyLength {
		return "", errors.NewAppError(errors.InvalidInput, "invalid idempotency key").
			WithDetails(fmt.Sprintf("must be at most %d characters", maxIdempotencyKeyLength))
	}
	return key, nil
}
