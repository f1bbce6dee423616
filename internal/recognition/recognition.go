// Package recognition calls the external receipt recognizer. The recognizer
// is an opaque collaborator: this package only shapes the request and maps
// the response into item data.
package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Receipt is the recognizer's view of a scanned check.
type Receipt struct {
	Restaurant map[string]any    `json:"restaurant"`
	Items      []domain.ItemData `json:"items"`
	Total      *float64          `json:"total,omitempty"`
}

// Recognizer turns a receipt image reference into structured receipt data.
type Recognizer interface {
	Recognize(ctx context.Context, imageRef string) (Receipt, error)
}

type httpRecognizer struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

var Module = fx.Module("recognition",
	fx.Provide(NewHTTPRecognizer),
)

// NewHTTPRecognizer builds a Recognizer speaking JSON over HTTP.
func NewHTTPRecognizer(cfg config.Config, log *zap.Logger) Recognizer {
	return &httpRecognizer{
		baseURL: cfg.RecognizerURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     log.Named("recognition"),
	}
}

func (r *httpRecognizer) Recognize(ctx context.Context, imageRef string) (Receipt, error) {
	body, err := json.Marshal(map[string]string{"image": imageRef})
	if err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/recognize", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("recognizer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		r.log.Warn("recognizer returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw),
		)
		return Receipt{}, fmt.Errorf("recognizer status %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return receipt, nil
}
