package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "lecturebot/pkg/logx"
)

const DefaultTranscoderURL = "https://play2.bhanuyadav.workers.dev/generate"

type TranscoderConfig struct {
	URL     string
	Timeout time.Duration
}

// Transcoder turns a DASH manifest URL into a directly downloadable stream URL.
type Transcoder struct {
	cfg  TranscoderConfig
	http *http.Client
	log  logx.Logger
}

func NewTranscoder(cfg TranscoderConfig, log logx.Logger) *Transcoder {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultTranscoderURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transcoder{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

// ResolvePlayableStream posts {url: manifest} and expects {data: {url: stream}}.
// Any other shape is absent.
func (t *Transcoder) ResolvePlayableStream(ctx context.Context, manifestURL string) (string, bool) {
	stream, err := t.resolve(ctx, manifestURL)
	if err != nil {
		t.log.Warn("stream resolution failed", logx.Err(err))
		return "", false
	}
	return stream, true
}

func (t *Transcoder) resolve(ctx context.Context, manifestURL string) (string, error) {
	if strings.TrimSpace(manifestURL) == "" {
		return "", fmt.Errorf("empty manifest url")
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"url": manifestURL})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}

	// Decode loosely: "data" may be missing, null, a string, or an error object.
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(top["data"], &data); err != nil || data == nil {
		return "", fmt.Errorf("unexpected response shape")
	}
	var stream string
	if err := json.Unmarshal(data["url"], &stream); err != nil || strings.TrimSpace(stream) == "" {
		return "", fmt.Errorf("response missing data.url")
	}
	return stream, nil
}
