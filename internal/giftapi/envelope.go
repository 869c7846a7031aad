// Package giftapi exposes the gift operations over HTTP.
package giftapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/middleware"
)

// retryAfterSeconds is suggested to clients on retryable failures.
const retryAfterSeconds = 30

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func respond(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(envelope{Success: true, Data: data})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case apperr.KindPaymentMismatch:
		return http.StatusAccepted
	case apperr.KindLedgerCall:
		return http.StatusBadGateway
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotReady:
		return http.StatusTooEarly
	case apperr.KindDecryption, apperr.KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// ErrorHandler renders every error returned by a handler as an envelope.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(envelope{Error: &errorBody{Kind: fiberKind(fe.Code), Message: fe.Message}})
		}

		kind := apperr.KindOf(err)
		status := StatusFor(kind)
		body := &errorBody{Kind: kind.String(), Message: publicMessage(err, kind), Retryable: apperr.Retryable(err)}
		if body.Retryable {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds))
		}

		attrs := []any{"status", status, "kind", kind.String(), "path", c.Path(), "request_id", middleware.RequestIDFrom(c), "error", err}
		var ae *apperr.Error
		if errors.As(err, &ae) {
			attrs = append(attrs, "op", ae.Op, "gift_code", ae.Code, "wallet", ae.Wallet)
		}
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			logger.Error("request failed", attrs...)
		} else {
			logger.Debug("request rejected", attrs...)
		}
		return c.Status(status).JSON(envelope{Error: body})
	}
}

func publicMessage(err error, kind apperr.Kind) string {
	if kind == apperr.KindInternal || kind == apperr.KindDecryption {
		return "internal error"
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Msg != "" {
		return ae.Msg
	}
	return kind.String()
}

func fiberKind(status int) string {
	switch {
	case status == http.StatusNotFound:
		return apperr.KindNotFound.String()
	case status == http.StatusConflict:
		return apperr.KindConflict.String()
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status < http.StatusInternalServerError:
		return apperr.KindValidation.String()
	}
	return apperr.KindInternal.String()
}
