package models

import (
	"encoding/json"
	"fmt"
)

// ResultStatus is the server's verdict on a single uploaded item.
type ResultStatus string

const (
	ResultOK       ResultStatus = "ok"
	ResultConflict ResultStatus = "conflict"
	ResultInvalid  ResultStatus = "invalid"
)

// BatchRequest is the body of POST /sync/batch.
type BatchRequest struct {
	DeviceID string      `json:"device_id"`
	Items    []BatchItem `json:"items"`
}

// BatchItem is one record inside a BatchRequest.
type BatchItem struct {
	Type      ItemType        `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// BatchResponse is the reply to a BatchRequest.
type BatchResponse struct {
	Results    []BatchResult `json:"results"`
	ServerTime string        `json:"serverTime"`
}

// BatchResult reports the outcome for one submitted id.
type BatchResult struct {
	ID       string       `json:"id"`
	Status   ResultStatus `json:"status"`
	ServerID string       `json:"serverId,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// NewBatchRequest builds the upload body for items.
func NewBatchRequest(deviceID string, items []*SyncItem) (*BatchRequest, error) {
	req := &BatchRequest{
		DeviceID: deviceID,
		Items:    make([]BatchItem, 0, len(items)),
	}
	for _, item := range items {
		raw, err := json.Marshal(item.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload for %s: %w", item.ID, err)
		}
		req.Items = append(req.Items, BatchItem{
			Type:      item.Type,
			ID:        item.ID,
			Payload:   raw,
			CreatedAt: item.CreatedAt,
			UpdatedAt: item.UpdatedAt(),
		})
	}
	return req, nil
}

// ByID indexes the results by item id.
func (r *BatchResponse) ByID() map[string]BatchResult {
	out := make(map[string]BatchResult, len(r.Results))
	for _, res := range r.Results {
		out[res.ID] = res
	}
	return out
}

// Missing returns the submitted ids that have no result.
func (r *BatchResponse) Missing(ids []string) []string {
	byID := r.ByID()
	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
