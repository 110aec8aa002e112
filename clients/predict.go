package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// --- Classifier service (/predict) ---

func (h *HTTP) Predict(ctx context.Context, url string, in PredictReq) (*PredictResp, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/predict", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("predict %s: %s", resp.Status, string(body))
	}

	var out PredictResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("predict decode: %w", err)
	}
	if out.Error != "" {
		return nil, errors.New("predict: " + out.Error)
	}
	return &out, nil
}

// --- Label encoding (/classes) ---

type ClassesResp struct {
	Classes []string `json:"classes"`
}

// Classes fetches the model's label-encoding table so the caller can check
// it against the labels it records.
func (h *HTTP) Classes(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/classes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("classes %s: %s", resp.Status, string(body))
	}

	var out ClassesResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("classes decode: %w", err)
	}
	return out.Classes, nil
}
