package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/pkg/httputil"
	"github.com/parcelpost/relay/internal/processor"
)

// statusFor maps a job error classification to an HTTP status.
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.ErrCodeTenantNotFound:
		return http.StatusNotFound
	case domain.ErrCodeTenantInactive, domain.ErrCodeDomainNotOwned:
		return http.StatusForbidden
	case domain.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	var je *domain.JobError
	if errors.As(err, &je) {
		httputil.Error(w, statusFor(je.Code), string(je.Code), je.Error())
		return
	}
	httputil.InternalError(w, err)
}

func (h *Handlers) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req processor.SubmitRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	jobID, err := h.Submitter.SubmitEmailJob(r.Context(), req)
	if err != nil {
		if domain.CodeOf(err) != "" {
			writeJobError(w, err)
			return
		}
		// Shape errors from validate(); anything else is internal.
		httputil.BadRequest(w, err.Error())
		return
	}

	httputil.Accepted(w, map[string]string{"job_id": jobID, "status": "queued"})
}

func (h *Handlers) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	usage, err := h.Limiter.Usage(r.Context(), tenantID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"tenant_id": tenantID, "windows": usage})
}

func (h *Handlers) handleContextRefresh(w http.ResponseWriter, r *http.Request) {
	h.Tenants.Invalidate(chi.URLParam(r, "tenantID"))
	httputil.NoContent(w)
}

func (h *Handlers) handleQueueDepths(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	class := domain.JobClass(chi.URLParam(r, "class"))

	depths, err := h.Queues.Depths(r.Context(), class, tenantID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"tenant_id": tenantID,
		"class":     string(class),
		"depths":    depths,
	})
}

func (h *Handlers) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := h.Queues.PauseTenant(r.Context(), tenantID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"tenant_id": tenantID, "status": "paused"})
}

func (h *Handlers) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := h.Queues.ResumeTenant(r.Context(), tenantID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"tenant_id": tenantID, "status": "resumed"})
}

func (h *Handlers) handleQueueCleanup(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := h.Sweeper.CleanupTenant(r.Context(), tenantID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"tenant_id": tenantID, "status": "cleaned"})
}

func (h *Handlers) handleSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.Sweeper.Run(r.Context()); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "swept"})
}
