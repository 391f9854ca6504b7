package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/models"
	"github.com/kimhsiao/reportsync/internal/sync/conflict"
	"github.com/kimhsiao/reportsync/internal/uuid"
)

const (
	// MaxBatchItems bounds the items accepted in one request.
	MaxBatchItems = 100
	maxBodyBytes  = 8 << 20
)

// BatchHandler applies uploaded batches to a RecordRepository.
type BatchHandler struct {
	repo RecordRepository
	now  func() time.Time
}

// NewBatchHandler creates a BatchHandler over repo.
func NewBatchHandler(repo RecordRepository) *BatchHandler {
	return &BatchHandler{repo: repo, now: time.Now}
}

// Apply decides every item of req independently. A repository failure aborts
// the request so the client retries the whole batch; items applied before the
// failure are accepted again on retry because equal timestamps never conflict.
func (h *BatchHandler) Apply(ctx context.Context, req *models.BatchRequest) (*models.BatchResponse, error) {
	resp := &models.BatchResponse{Results: make([]models.BatchResult, 0, len(req.Items))}

	var accepted, conflicts, rejected int
	for _, item := range req.Items {
		result, err := h.applyItem(ctx, req.DeviceID, item)
		if err != nil {
			return nil, err
		}
		switch result.Status {
		case models.ResultOK:
			accepted++
		case models.ResultConflict:
			conflicts++
		default:
			rejected++
		}
		resp.Results = append(resp.Results, result)
	}

	resp.ServerTime = h.now().UTC().Format(time.RFC3339)

	logging.Info("Batch applied",
		map[string]interface{}{
			"device_id": req.DeviceID,
			"items":     len(req.Items),
			"accepted":  accepted,
			"conflicts": conflicts,
			"rejected":  rejected,
		})
	return resp, nil
}

func invalid(id, message string) models.BatchResult {
	return models.BatchResult{ID: id, Status: models.ResultInvalid, Message: message}
}

func (h *BatchHandler) applyItem(ctx context.Context, deviceID string, item models.BatchItem) (models.BatchResult, error) {
	if item.ID == "" {
		return invalid(item.ID, "id is required"), nil
	}
	if !item.Type.Valid() {
		return invalid(item.ID, "unknown item type "+string(item.Type)), nil
	}

	payload, err := models.DecodePayload(item.Type, item.Payload)
	if err != nil {
		return invalid(item.ID, err.Error()), nil
	}
	if err := models.ValidatePayload(payload); err != nil {
		return invalid(item.ID, messageOf(err)), nil
	}
	if pid := payload.Identifier(); pid != "" && pid != item.ID {
		return invalid(item.ID, "payload id "+pid+" does not match item id"), nil
	}

	existing, err := h.repo.Get(ctx, item.Type, item.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		existing = nil
	case err != nil:
		return models.BatchResult{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to load record "+item.ID, err)
	}

	if existing != nil {
		if c, ok := conflict.DetectConflict(item.ID, existing.UpdatedAt, item.UpdatedAt, payload.ForceOverwrite()); ok {
			return models.BatchResult{
				ID:       item.ID,
				Status:   models.ResultConflict,
				ServerID: existing.ServerID,
				Message:  c.Message(),
			}, nil
		}
	}

	rec := &Record{
		Type:       item.Type,
		ID:         item.ID,
		ServerID:   uuid.New(),
		DeviceID:   deviceID,
		Payload:    item.Payload,
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  item.UpdatedAt,
		ReceivedAt: h.now().UTC(),
	}
	if err := h.repo.Upsert(ctx, rec); err != nil {
		return models.BatchResult{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to store record "+item.ID, err)
	}

	return models.BatchResult{ID: item.ID, Status: models.ResultOK, ServerID: rec.ServerID}, nil
}

func messageOf(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// HandleBatch handles POST /sync/batch.
func (h *BatchHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	if claims, ok := ClaimsFromContext(r.Context()); ok && claims.DeviceID != req.DeviceID {
		respondError(w, apperrors.New(apperrors.ErrSyncAuthFailed, "device_id does not match token"))
		return
	}
	if len(req.Items) == 0 {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "items is required"))
		return
	}
	if len(req.Items) > MaxBatchItems {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "too many items in batch"))
		return
	}

	resp, err := h.Apply(r.Context(), &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// =====================================================
// Helpers
// =====================================================

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = messageOf(err)
	respondJSON(w, status, body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
