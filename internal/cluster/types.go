package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrStatus is wrapped by PostJSON and GetJSON when the peer answers with a
// non-2xx status.
var ErrStatus = errors.New("unexpected http status")

// WorkerInfo identifies a running worker and where its HTTP surface listens.
type WorkerInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
}

// RingStatus is the ring part of a worker's status.
type RingStatus struct {
	Participating bool   `json:"participating"`
	Slot          int    `json:"slot,omitempty"`
	Range         string `json:"range,omitempty"`
	Members       int    `json:"members"`
	Generation    uint64 `json:"generation"`
	Error         string `json:"error,omitempty"`
}

// ElectionStatus is the election part of a worker's status.
type ElectionStatus struct {
	Participating bool   `json:"participating"`
	State         string `json:"state"`
	Leader        string `json:"leader,omitempty"`
	Sequence      uint64 `json:"sequence,omitempty"`
	Candidates    int    `json:"candidates"`
	Error         string `json:"error,omitempty"`
}

// WorkerStatus is served by GET /status.
type WorkerStatus struct {
	Worker   WorkerInfo     `json:"worker"`
	Ring     RingStatus     `json:"ring"`
	Election ElectionStatus `json:"election"`
	Uptime   string         `json:"uptime"`
}

// OwnerResponse is served by GET /owner?key=.
type OwnerResponse struct {
	Key   string `json:"key"`
	Slot  int    `json:"slot"`
	Owner string `json:"owner"`
	Range string `json:"range"`
}

// ShutdownRequest asks a worker to leave both protocols and exit.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON to url and decodes the reply into out unless
// out is nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w %d", req.Method, req.URL, ErrStatus, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
