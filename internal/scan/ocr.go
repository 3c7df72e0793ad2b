package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Extractor reads fiscal data from a scanned document.
type Extractor interface {
	Extract(ctx context.Context, folio string, obj Object) (Extraction, error)
}

// OCRConfig configures OCRClient.
type OCRConfig struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// OCRClient calls the recognition service over HTTP.
type OCRClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewOCRClient builds OCRClient.
func NewOCRClient(cfg OCRConfig, logger *slog.Logger) *OCRClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json")
	return &OCRClient{http: client, logger: logger}
}

// Extract posts the raw scan to /extract. A PROCESS_FAIL answer is returned
// as an Extraction with OK false; only transport and server errors are errors.
func (c *OCRClient) Extract(ctx context.Context, folio string, obj Object) (Extraction, error) {
	var payload Payload
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", obj.ContentType).
		SetHeader("X-Folio-RB", folio).
		SetHeader("X-Object-Name", obj.Name).
		SetBody(obj.Data).
		SetResult(&payload).
		Post("/extract")
	if err != nil {
		return Extraction{}, fmt.Errorf("scan: ocr request: %w", err)
	}
	if resp.IsError() {
		c.logger.WarnContext(ctx, "ocr service error",
			slog.String("folio_rb", folio),
			slog.Int("status_code", resp.StatusCode()),
		)
		return Extraction{}, fmt.Errorf("scan: ocr status %d", resp.StatusCode())
	}
	ext := payload.Extraction()
	c.logger.DebugContext(ctx, "ocr extracted",
		slog.String("folio_rb", folio),
		slog.Bool("ok", ext.OK),
		slog.String("uuid_sat", ext.FiscalUUID),
		slog.Duration("elapsed", resp.Time()),
	)
	return ext, nil
}
