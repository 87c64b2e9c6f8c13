package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/cortexuvula/chatrelay/internal/apperr"
)

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	category := apperr.Category(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "category", category, "error", err)
	}
	if s.Metrics != nil {
		s.Metrics.ErrorsTotal.WithLabelValues(category).Inc()
	}
	writeJSON(w, status, errorBody{Error: apperr.Message(err), Category: category})
}

// decode reads a JSON body into v and validates it. On failure the error
// response has been written and false is returned.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := s.GetConfig().Server.MaxMessageSize
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid JSON: %v", apperr.ErrInvalidRequest, err))
		return false
	}
	if err := s.checkStruct(v); err != nil {
		s.writeError(w, err)
		return false
	}
	return true
}

// checkStruct runs the validate tags on v.
func (s *Server) checkStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidRequest, err)
	}
	fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		if fe.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s is %s", fe.Field(), fe.Tag())
	})
	return fmt.Errorf("%w: %s", apperr.ErrInvalidRequest, strings.Join(fields, "; "))
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
