// Package api exposes the operator-facing HTTP surface: submission intake,
// pipeline stats, audit trails and the escrow refund endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"microtask-settlement/internal/domain"
	"microtask-settlement/internal/models"
	"microtask-settlement/internal/worker"
	errs "microtask-settlement/pkg/errors"
	"microtask-settlement/pkg/events"
	"microtask-settlement/pkg/logging"
)

const maxContentBytes = 64 << 10

// Enqueuer schedules a submission for verification.
type Enqueuer interface {
	EnqueueVerification(ctx context.Context, job models.VerificationJob) error
}

// Refunder returns escrowed funds to the requester.
type Refunder interface {
	Reject(ctx context.Context, taskID, workerID int64) (string, error)
}

// StatsSource reports live pipeline counters.
type StatsSource interface {
	Stats() worker.Stats
}

// CostSource reports accumulated AI spend.
type CostSource interface {
	CostStats() models.CostSnapshot
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type submitRequest struct {
	TaskID   int64  `json:"task_id"`
	WorkerID int64  `json:"worker_id"`
	Content  string `json:"content"`
}

// SubmitHandler accepts a worker submission, persists it pending and queues
// it for verification. Responds 202: the verdict arrives asynchronously.
func SubmitHandler(repo domain.Repository, enq Enqueuer, logger *logging.Logger) http.HandlerFunc {
	log := logger.WithComponent("api")
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxContentBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.TaskID <= 0 || req.WorkerID <= 0 {
			writeError(w, http.StatusBadRequest, "task_id and worker_id are required")
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "content must not be empty")
			return
		}

		task, err := repo.GetTaskCtx(r.Context(), req.TaskID)
		if err != nil {
			if errors.Is(err, errs.ErrValidation) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load task")
			return
		}
		if task.Status != models.TaskActive {
			writeError(w, http.StatusConflict, "task is not accepting submissions")
			return
		}
		if _, err := repo.GetUserCtx(r.Context(), req.WorkerID); err != nil {
			if errors.Is(err, errs.ErrValidation) {
				writeError(w, http.StatusNotFound, "worker not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load worker")
			return
		}

		id, err := repo.CreateSubmissionCtx(r.Context(), &models.Submission{
			TaskID:   req.TaskID,
			WorkerID: req.WorkerID,
			Content:  req.Content,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store submission")
			return
		}

		job := models.VerificationJob{
			SubmissionID:         id,
			TaskID:               req.TaskID,
			WorkerID:             req.WorkerID,
			SubmissionData:       req.Content,
			VerificationCriteria: task.VerificationCriteria,
			TaskType:             task.TaskType,
		}
		if err := enq.EnqueueVerification(r.Context(), job); err != nil {
			log.Error("failed to enqueue submission", err, logging.SubmissionID(id))
			writeError(w, http.StatusServiceUnavailable, "submission stored but not queued, it will be retried")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"submission_id": id,
			"status":        models.StatusPending,
		})
	}
}

// SubmissionDetailHandler serves one submission with its audit trail.
func SubmissionDetailHandler(repo domain.Repository, store events.EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid submission id")
			return
		}

		sub, err := repo.GetSubmissionCtx(r.Context(), id)
		if err != nil {
			if errors.Is(err, errs.ErrValidation) {
				writeError(w, http.StatusNotFound, "submission not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load submission")
			return
		}

		var trail []events.StoredEvent
		if store != nil {
			if trail, err = store.ListBySubmission(r.Context(), id); err != nil {
				trail = nil
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submission": sub,
			"events":     trail,
		})
	}
}

// PendingSubmissionsHandler lists submissions still waiting for a verdict.
func PendingSubmissionsHandler(repo domain.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		subs, err := repo.GetPendingSubmissionsCtx(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list submissions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submissions": subs, "count": len(subs)})
	}
}

// StatsHandler aggregates ledger counts, worker counters and AI spend.
func StatsHandler(repo domain.Repository, counters StatsSource, costs CostSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pipeline, err := repo.GetPipelineStatsCtx(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load pipeline stats")
			return
		}
		resp := map[string]any{"pipeline": pipeline}
		if counters != nil {
			resp["worker"] = counters.Stats()
		}
		if costs != nil {
			resp["ai_cost"] = costs.CostStats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type refundRequest struct {
	WorkerID int64 `json:"worker_id"`
}

// RefundHandler rejects a worker's claim on chain and returns escrowed funds
// to the requester. Operator-triggered; the pipeline never refunds on its own.
func RefundHandler(refunder Refunder, logger *logging.Logger) http.HandlerFunc {
	log := logger.WithComponent("api")
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}
		var req refundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID <= 0 {
			writeError(w, http.StatusBadRequest, "worker_id is required")
			return
		}

		txHash, err := refunder.Reject(r.Context(), taskID, req.WorkerID)
		if err != nil {
			log.Error("refund failed", err, logging.TaskID(taskID))
			if errors.Is(err, errs.ErrValidation) {
				writeError(w, http.StatusNotFound, "task or worker not found")
				return
			}
			writeError(w, http.StatusBadGateway, "escrow refund failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"tx_hash": txHash})
	}
}

// Router assembles the public API surface.
func Router(repo domain.Repository, enq Enqueuer, refunder Refunder, store events.EventStore, counters StatsSource, costs CostSource, healthz http.HandlerFunc, logger *logging.Logger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/submissions", SubmitHandler(repo, enq, logger)).Methods("POST")
	r.HandleFunc("/api/submissions/pending", PendingSubmissionsHandler(repo)).Methods("GET")
	r.HandleFunc("/api/submissions/{id:[0-9]+}", SubmissionDetailHandler(repo, store)).Methods("GET")
	r.HandleFunc("/api/stats", StatsHandler(repo, counters, costs)).Methods("GET")
	r.HandleFunc("/api/tasks/{id:[0-9]+}/refund", RefundHandler(refunder, logger)).Methods("POST")
	if healthz != nil {
		r.HandleFunc("/healthz", healthz).Methods("GET")
	}
	return r
}
