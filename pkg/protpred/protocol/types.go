package protocol

import "pkg.jsn.cam/protpred/pkg/protpred"

// VersionHeader carries the client's protocol version on remote requests.
const VersionHeader = "X-Protpred-Version"

// PredictRequest asks a remote worker to run the predictor on one batch
type PredictRequest struct {
	Items []protpred.Item `json:"items"`
	Index int             `json:"index"`
	Start int             `json:"start"`
}

// Batch converts the request back into a batch.
func (r *PredictRequest) Batch() protpred.Batch {
	return protpred.Batch{Index: r.Index, Start: r.Start, Items: r.Items}
}

// PredictResponse returns the predictions for one batch, in batch order
type PredictResponse struct {
	Error   string                `json:"error,omitempty"`
	Stderr  string                `json:"stderr,omitempty"`
	Entries []protpred.Prediction `json:"entries,omitempty"`
	Index   int                   `json:"index"`
	Success bool                  `json:"success"`
}

// HealthResponse indicates node health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
