package clients

import (
	"net/http"
	"time"
)

type HTTP struct{ c *http.Client }

// NewHTTP returns a client whose requests give up after timeout. Callers on
// the live path also bound each request with a context deadline.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{c: &http.Client{Timeout: timeout}}
}

// PredictReq is one epoch's features, shared by the HTTP and worker
// transports. Raw matrices are row-major with Rows x Cols set.
type PredictReq struct {
	ID       uint64    `json:"id" msgpack:"id"`
	Epoch    int       `json:"epoch" msgpack:"epoch"`
	Features []float64 `json:"features" msgpack:"features"`
	Rows     int       `json:"rows" msgpack:"rows"`
	Cols     int       `json:"cols" msgpack:"cols"`
}

type PredictResp struct {
	ID            uint64             `json:"id" msgpack:"id"`
	Label         string             `json:"label" msgpack:"label"`
	Confidence    float64            `json:"confidence" msgpack:"confidence"`
	Probabilities map[string]float64 `json:"probabilities,omitempty" msgpack:"probabilities,omitempty"`
	Error         string             `json:"error,omitempty" msgpack:"error,omitempty"`
}
