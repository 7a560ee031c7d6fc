package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPPhase posts the job to an external service. A 2xx response body, if it
// is a JSON object of strings, is merged into the job metadata; any other
// status is a downstream failure.
type HTTPPhase struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPPhase(name, url string, timeout time.Duration) *HTTPPhase {
	return &HTTPPhase{name: name, url: url, client: &http.Client{Timeout: timeout}}
}

func (p *HTTPPhase) Name() string { return p.name }

type phaseRequest struct {
	Phase          string            `json:"phase"`
	LockID         string            `json:"lock_id"`
	CartID         string            `json:"cart_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Currency       string            `json:"currency"`
	Subtotal       string            `json:"subtotal"`
	Lines          []phaseLine       `json:"lines"`
	Metadata       map[string]string `json:"metadata"`
}

type phaseLine struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

func (p *HTTPPhase) Run(ctx context.Context, job *Job) (map[string]string, error) {
	body := phaseRequest{
		Phase:  p.name,
		LockID: job.Lock.ID,
		CartID: job.Lock.CartID,
		// the lock id keeps a retried call idempotent on the service side
		IdempotencyKey: job.Lock.ID + ":" + p.name,
		Currency:       job.Cart.Currency,
		Subtotal:       job.Cart.Subtotal().StringFixed(2),
		Metadata:       job.Metadata,
	}
	for _, l := range job.Cart.Lines {
		body.Lines = append(body.Lines, phaseLine{SKU: l.SKU, Quantity: l.Quantity, UnitPrice: l.UnitPrice.StringFixed(2)})
	}

	var out map[string]string
	if err := postJSON(ctx, p.client, p.url, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	// non-object bodies are ignored
	_ = json.Unmarshal(raw, out)
	return nil
}
