// Package catalog talks to the upstream lecture catalog and the manifest
// transcoder.
//
// Every call is bounded by a short timeout and reports a plain ok flag:
// transport errors, non-2xx replies, success=false envelopes and malformed
// payloads are logged here and collapse to "absent" for the caller.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "lecturebot/pkg/logx"
)

const (
	DefaultBaseURL       = "https://api.penpencil.co"
	DefaultClientID      = "5eb393ee95fab7468a79d189"
	DefaultClientVersion = "201"
	DefaultTimeout       = 15 * time.Second

	maxBody = 8 << 20
)

type Config struct {
	BaseURL       string
	ClientID      string
	ClientVersion string
	Timeout       time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

// envelope is the common {success, data} wrapper of catalog responses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

var errNotSuccess = errors.New("response success flag not set")

// getData issues one GET and returns the raw data payload of a success=true envelope.
func (c *Client) getData(ctx context.Context, path string, query url.Values, headers map[string]string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Success {
		return nil, errNotSuccess
	}
	return env.Data, nil
}

func (c *Client) baseHeaders(token string) map[string]string {
	return map[string]string{
		"accept":        "application/json",
		"authorization": "Bearer " + token,
		"client-type":   "WEB",
	}
}

// FetchBatchDetails looks a batch up by id; used to verify a credential.
func (c *Client) FetchBatchDetails(ctx context.Context, batchID, token string) (BatchDetails, bool) {
	h := c.baseHeaders(token)
	h["client-id"] = c.cfg.ClientID
	data, err := c.getData(ctx, "/v3/batches/"+url.PathEscape(batchID)+"/details",
		url.Values{"type": {"EXPLORE_LEAD"}}, h)
	if err != nil {
		c.log.Warn("batch details lookup failed", logx.String("batch", batchID), logx.Err(err))
		return BatchDetails{}, false
	}
	var d struct {
		ID   string `json:"_id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		c.log.Warn("batch details malformed", logx.String("batch", batchID), logx.Err(err))
		return BatchDetails{}, false
	}
	if d.ID == "" {
		d.ID = batchID
	}
	return BatchDetails{ID: d.ID, Name: d.Name}, true
}

// FetchSchedule returns today's lectures in catalog order.
func (c *Client) FetchSchedule(ctx context.Context, batchID, token string) ([]ScheduleItem, bool) {
	h := c.baseHeaders(token)
	h["content-type"] = "application/json"
	data, err := c.getData(ctx, "/v1/batches/"+url.PathEscape(batchID)+"/todays-schedule",
		url.Values{"batchId": {batchID}, "isNewStudyMaterialFlow": {"true"}}, h)
	if err != nil {
		c.log.Warn("schedule fetch failed", logx.String("batch", batchID), logx.Err(err))
		return nil, false
	}
	items, err := decodeSchedule(batchID, data)
	if err != nil {
		c.log.Warn("schedule malformed", logx.String("batch", batchID), logx.Err(err))
		return nil, false
	}
	return items, true
}

// FetchRawMediaLocation returns the manifest URL (url + signedUrl) of one lecture.
func (c *Client) FetchRawMediaLocation(ctx context.Context, itemID, batchID, token string) (string, bool) {
	h := c.baseHeaders(token)
	h["client-version"] = c.cfg.ClientVersion
	data, err := c.getData(ctx, "/v1/videos/video-url-details", url.Values{
		"type":               {"BATCHES"},
		"videoContainerType": {"DASH"},
		"reqType":            {"query"},
		"childId":            {itemID},
		"parentId":           {batchID},
		"clientVersion":      {c.cfg.ClientVersion},
	}, h)
	if err != nil {
		c.log.Warn("video url lookup failed", logx.String("item", itemID), logx.Err(err))
		return "", false
	}
	var d struct {
		URL       string `json:"url"`
		SignedURL string `json:"signedUrl"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		c.log.Warn("video url malformed", logx.String("item", itemID), logx.Err(err))
		return "", false
	}
	if d.URL == "" || d.SignedURL == "" {
		c.log.Warn("video url incomplete", logx.String("item", itemID),
			logx.Bool("has_url", d.URL != ""), logx.Bool("has_signed", d.SignedURL != ""))
		return "", false
	}
	return d.URL + d.SignedURL, true
}
