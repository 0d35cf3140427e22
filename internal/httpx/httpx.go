// Package httpx holds the request/response plumbing shared by every HTTP
// handler: JSON encoding, error mapping, body validation and pagination
// query parsing.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error       apperr.Kind `json:"error"`
	Message     string      `json:"message"`
	Explanation []string    `json:"explanation"`
	Retryable   bool        `json:"retryable"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "err", err)
	}
}

// StatusFor maps an error kind onto an HTTP status code.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidRelation, apperr.InsufficientBalance, apperr.InvalidEventStatus,
		apperr.InvalidOperation, apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.AlreadyExists, apperr.TransactionConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError classifies err and writes it. Store failures are logged with
// their cause and reach the client only as a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Store(err, "request")
	}
	body := ErrorBody{
		Error:       e.Kind,
		Message:     e.Message,
		Explanation: e.Explanation,
		Retryable:   apperr.IsRetryable(e),
	}
	if e.Kind == apperr.StoreFailure {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
		body.Message = "internal error"
	}
	if body.Explanation == nil {
		body.Explanation = []string{}
	}
	WriteJSON(w, StatusFor(e.Kind), body)
}

// Decode reads a JSON body into dst and runs struct validation on it.
func Decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid request body", err.Error())
	}
	return Validate(dst)
}

// Validate runs struct validation and converts failures into a Validation
// error listing every offending field.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.Validation, err, "invalid request", err.Error())
	}
	expl := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		expl = append(expl, describe(fe))
	}
	return apperr.New(apperr.Validation, "invalid request", expl...)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// ParsePage reads ?page= and ?limit=. Missing values take defaults;
// malformed ones are a Validation error.
func ParsePage(r *http.Request) (model.PageRequest, error) {
	q := r.URL.Query()
	p := model.PageRequest{Page: 1, Limit: model.DefaultPageLimit}
	var expl []string
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			expl = append(expl, "page must be a positive integer")
		}
		p.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > model.MaxPageLimit {
			expl = append(expl, fmt.Sprintf("limit must be between 1 and %d", model.MaxPageLimit))
		}
		p.Limit = n
	}
	if len(expl) > 0 {
		return p, apperr.New(apperr.Validation, "invalid pagination", expl...)
	}
	return p, nil
}

// QueryBool parses an optional boolean query parameter.
func QueryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, apperr.New(apperr.Validation, "invalid query", key+" must be true or false")
	}
	return &b, nil
}

// QueryTime parses an optional RFC 3339 timestamp query parameter.
func QueryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.New(apperr.Validation, "invalid query", key+" must be an RFC 3339 timestamp")
	}
	return &t, nil
}
