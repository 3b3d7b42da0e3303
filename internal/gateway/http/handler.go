package gatewayhttp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/synclog"
)

// ServerVersion is reported to the agent.
const ServerVersion = "payroll-sync 1.0"

const (
	maxEnvelopeBytes = 8 << 20
	rateLimit        = 120
	rateWindow       = time.Minute
)

type agentService interface {
	BeginSession(ctx context.Context, username, secret string) (string, error)
	NextRequest(ctx context.Context, ticket string) (string, error)
	ReceiveResponse(ctx context.Context, ticket, doc string) (int, error)
	ReportError(ctx context.Context, ticket, hresult, message string) error
	LastError(ctx context.Context, ticket string) (string, error)
	EndSession(ctx context.Context, ticket string) (synclog.Session, error)
}

// Handler exposes the gateway as the SOAP service the agent polls.
type Handler struct {
	logger  *slog.Logger
	service agentService
}

// NewHandler constructs the SOAP handler.
func NewHandler(logger *slog.Logger, service agentService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the agent endpoint, rate limited per client IP.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Group(func(gr chi.Router) {
		gr.Use(httprate.Limit(rateLimit, rateWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				h.write(w, http.StatusTooManyRequests, faultEnvelope("soap:Server", "rate limit exceeded"))
			}),
		))
		gr.Post("/qbwc", h.serve)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		h.write(w, http.StatusBadRequest, faultEnvelope("soap:Client", "unreadable request"))
		return
	}
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		h.write(w, http.StatusBadRequest, faultEnvelope("soap:Client", "malformed envelope"))
		return
	}
	resp, err := h.dispatch(r.Context(), env.Body)
	if err != nil {
		h.logger.Error("agent call failed", slog.Any("error", err))
		h.write(w, http.StatusInternalServerError, faultEnvelope("soap:Server", "internal error"))
		return
	}
	h.write(w, http.StatusOK, resp)
}

func (h *Handler) dispatch(ctx context.Context, b requestBody) (responseEnvelope, error) {
	switch {
	case b.ServerVersion != nil:
		return text("serverVersion", ServerVersion), nil
	case b.ClientVersion != nil:
		h.logger.Info("agent version", slog.String("version", b.ClientVersion.Version))
		return text("clientVersion", ""), nil
	case b.Authenticate != nil:
		return h.authenticate(ctx, b.Authenticate)
	case b.SendRequestXML != nil:
		return h.sendRequest(ctx, b.SendRequestXML)
	case b.ReceiveResponseXML != nil:
		return h.receiveResponse(ctx, b.ReceiveResponseXML)
	case b.ConnectionError != nil:
		in := b.ConnectionError
		if err := h.service.ReportError(ctx, in.Ticket, in.HResult, in.Message); err != nil && !isClientError(err) {
			return responseEnvelope{}, err
		}
		return text("connectionError", "done"), nil
	case b.GetLastError != nil:
		msg, err := h.service.LastError(ctx, b.GetLastError.Ticket)
		if err != nil {
			if !isClientError(err) {
				return responseEnvelope{}, err
			}
			msg = err.Error()
		}
		if msg == "" {
			msg = "no error"
		}
		return text("getLastError", msg), nil
	case b.CloseConnection != nil:
		return h.closeConnection(ctx, b.CloseConnection.Ticket)
	default:
		return faultEnvelope("soap:Client", "unsupported operation"), nil
	}
}

func (h *Handler) authenticate(ctx context.Context, in *authenticateRequest) (responseEnvelope, error) {
	ticket, err := h.service.BeginSession(ctx, in.Username, in.Password)
	if err != nil {
		if errors.Is(err, shared.ErrAuth) {
			return stringArray("authenticate", "", authInvalidUser), nil
		}
		return responseEnvelope{}, err
	}
	return stringArray("authenticate", ticket, authCurrentCompany), nil
}

// sendRequest answers "" when there is nothing to do or the call failed;
// the agent then asks getLastError.
func (h *Handler) sendRequest(ctx context.Context, in *sendRequest) (responseEnvelope, error) {
	doc, err := h.service.NextRequest(ctx, in.Ticket)
	if err != nil {
		if !isClientError(err) {
			return responseEnvelope{}, err
		}
		h.logger.Warn("agent request refused", slog.Any("error", err))
		return text("sendRequestXML", ""), nil
	}
	return text("sendRequestXML", doc), nil
}

// receiveResponse answers the percent settled, or -1 on error.
func (h *Handler) receiveResponse(ctx context.Context, in *receiveRequest) (responseEnvelope, error) {
	if in.HResult != "" {
		if err := h.service.ReportError(ctx, in.Ticket, in.HResult, in.Message); err != nil && !isClientError(err) {
			return responseEnvelope{}, err
		}
		return number("receiveResponseXML", -1), nil
	}
	pct, err := h.service.ReceiveResponse(ctx, in.Ticket, in.Response)
	if err != nil {
		if !isClientError(err) {
			return responseEnvelope{}, err
		}
		h.logger.Warn("agent response refused", slog.Any("error", err))
		return number("receiveResponseXML", -1), nil
	}
	return number("receiveResponseXML", pct), nil
}

func (h *Handler) closeConnection(ctx context.Context, ticket string) (responseEnvelope, error) {
	sess, err := h.service.EndSession(ctx, ticket)
	if err != nil {
		if !isClientError(err) {
			return responseEnvelope{}, err
		}
		return text("closeConnection", err.Error()), nil
	}
	return text("closeConnection", fmt.Sprintf("OK: %d sent, %d completed, %d failed", sess.SentCount, sess.CompletedCount, sess.FailedCount)), nil
}

func (h *Handler) write(w http.ResponseWriter, status int, env responseEnvelope) {
	out, err := xml.Marshal(env)
	if err != nil {
		h.logger.Error("marshal soap response", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

func isClientError(err error) bool {
	return errors.Is(err, shared.ErrAuth) || errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrNotFound)
}
