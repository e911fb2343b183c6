// Package handler binds the pricing service to HTTP with a hand-written jx
// codec.
package handler

import (
	"context"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/pricebook/internal/domain/resolution"
	"github.com/xenking/pricebook/internal/domain/rule"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Pricer is the pricing boundary served over HTTP.
type Pricer interface {
	Resolve(ctx context.Context, req resolution.Request) (*resolution.Result, error)
	Confirm(ctx context.Context, res *resolution.Result, orderID string) (*resolution.Confirmation, error)
}

// Handler serves the pricing endpoints.
type Handler struct {
	pricer   Pricer
	validate *validator.Validate
}

// NewHandler constructs a Handler delegating to pricer.
func NewHandler(pricer Pricer) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Handler{pricer: pricer, validate: v}
}

// Register mounts the pricing routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/prices/resolve", h.Resolve)
	mux.HandleFunc("POST /api/v1/prices/confirm", h.Confirm)
}

// Resolve handles POST /api/v1/prices/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.pricer.Resolve(r.Context(), req.domain())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeResult(&e, res)
	writeJSON(w, http.StatusOK, e.Bytes())
}

// Confirm handles POST /api/v1/prices/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	conf, err := h.pricer.Confirm(r.Context(), req.result(), req.OrderID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeConfirmation(&e, conf)
	writeJSON(w, http.StatusOK, e.Bytes())
}

type decodable interface {
	Decode(d *jx.Decoder) error
}

// decode reads, decodes and validates the body into dst. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst decodable) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "read body: "+err.Error(), nil)
		return false
	}
	if err := dst.Decode(jx.DecodeBytes(body)); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed json: "+err.Error(), nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) func(e *jx.Encoder) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	return func(e *jx.Encoder) {
		e.Field("fields", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, fe := range verrs {
					e.Field(fe.Namespace(), func(e *jx.Encoder) { e.Str(validationMessage(fe)) })
				}
			})
		})
	}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_with":
		return "is required"
	case "gte", "gt":
		return "must be at least " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	}
	return "is invalid"
}

// statusOf maps pricing errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, resolution.ErrPriceNotFound):
		return http.StatusNotFound
	case errors.Is(err, resolution.ErrInvalidCurrency),
		errors.Is(err, resolution.ErrInvalidQuantity),
		errors.Is(err, resolution.ErrInvalidRequest),
		errors.Is(err, resolution.ErrRuleNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, resolution.ErrRuleLimitExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Pricing request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeProblem(w, status, "internal error", nil)
		return
	}

	var extra func(e *jx.Encoder)
	var le *rule.LimitExceededError
	if errors.As(err, &le) {
		extra = func(e *jx.Encoder) {
			e.Field("rule_id", func(e *jx.Encoder) { e.Int64(le.RuleID) })
			e.Field("scope", func(e *jx.Encoder) { e.Str(string(le.Scope)) })
		}
	}
	writeProblem(w, status, err.Error(), extra)
}

func writeProblem(w http.ResponseWriter, status int, msg string, extra func(e *jx.Encoder)) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		if extra != nil {
			extra(e)
		}
	})
	writeJSON(w, status, e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
