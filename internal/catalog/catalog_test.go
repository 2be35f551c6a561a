package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "lecturebot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, logx.Nop())
}

func TestFetchScheduleMapsLectures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches/B1/todays-schedule", r.URL.Path)
		assert.Equal(t, "B1", r.URL.Query().Get("batchId"))
		assert.Equal(t, "true", r.URL.Query().Get("isNewStudyMaterialFlow"))
		assert.Equal(t, "Bearer T1", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"success":true,"data":[
			{"_id":"I1","topic":"Kinematics","urlType":"penpencilvdo",
			 "homeworkIds":[{"topic":"DPP","attachmentIds":[{"baseUrl":"https://cdn/","key":"a.pdf","name":"A"},{"baseUrl":"https://cdn/","name":"b.pdf"}]}]},
			{"_id":"I2","urlType":"VIMEO"},
			{"_id":"I3","homeworkIds":[{"attachmentIds":[{"baseUrl":"https://cdn/"}]}]},
			{"topic":"no id"}
		]}`)
	})

	items, ok := c.FetchSchedule(context.Background(), "B1", "T1")
	require.True(t, ok)
	require.Len(t, items, 3)

	first := items[0]
	assert.Equal(t, "I1", first.ID)
	assert.Equal(t, "Kinematics", first.Title)
	assert.Equal(t, "B1", first.BatchID)
	require.Len(t, first.Documents, 2)
	loc, ok := first.Documents[0].Location()
	assert.True(t, ok)
	assert.Equal(t, "https://cdn/a.pdf", loc)
	loc, ok = first.Documents[1].Location()
	assert.True(t, ok)
	assert.Equal(t, "https://cdn/b.pdf", loc)
	assert.Equal(t, "DPP", first.Documents[0].Title)
	require.NotNil(t, first.Video)
	assert.Equal(t, VideoResolvable, first.Video.Kind)

	assert.Equal(t, "Lecture", items[1].Title)
	require.NotNil(t, items[1].Video)
	assert.Equal(t, VideoExternal, items[1].Video.Kind)

	require.NotNil(t, items[2].Video)
	assert.Equal(t, VideoResolvable, items[2].Video.Kind)
	require.Len(t, items[2].Documents, 1)
	assert.Equal(t, "Document", items[2].Documents[0].Title)
	_, ok = items[2].Documents[0].Location()
	assert.False(t, ok)
}

func TestFetchScheduleAbsentCases(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"not success": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"success":false,"data":[]}`)
		},
		"http error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"success":true,"data":{"not":"a list"}}`)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `<html>`)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, h)
			items, ok := c.FetchSchedule(context.Background(), "B1", "T1")
			assert.False(t, ok)
			assert.Empty(t, items)
		})
	}
}

func TestFetchScheduleEmptyDay(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"data":null}`)
	})
	items, ok := c.FetchSchedule(context.Background(), "B1", "T1")
	assert.True(t, ok)
	assert.Empty(t, items)
}

func TestFetchScheduleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, logx.Nop())

	start := time.Now()
	_, ok := c.FetchSchedule(context.Background(), "B1", "T1")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchBatchDetails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/batches/B1/details", r.URL.Path)
		assert.Equal(t, "EXPLORE_LEAD", r.URL.Query().Get("type"))
		assert.Equal(t, DefaultClientID, r.Header.Get("client-id"))
		if r.Header.Get("Authorization") != "Bearer good" {
			_, _ = io.WriteString(w, `{"success":false}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"data":{"_id":"B1","name":"Arjuna JEE"}}`)
	})

	d, ok := c.FetchBatchDetails(context.Background(), "B1", "good")
	require.True(t, ok)
	assert.Equal(t, BatchDetails{ID: "B1", Name: "Arjuna JEE"}, d)

	_, ok = c.FetchBatchDetails(context.Background(), "B1", "bad")
	assert.False(t, ok)
}

func TestFetchRawMediaLocation(t *testing.T) {
	var signed string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/v1/videos/video-url-details", r.URL.Path)
		assert.Equal(t, "I1", q.Get("childId"))
		assert.Equal(t, "B1", q.Get("parentId"))
		assert.Equal(t, "DASH", q.Get("videoContainerType"))
		assert.Equal(t, DefaultClientVersion, r.Header.Get("client-version"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"url": "https://v/m.mpd", "signedUrl": signed},
		})
	})

	signed = "?sig=1"
	loc, ok := c.FetchRawMediaLocation(context.Background(), "I1", "B1", "T1")
	require.True(t, ok)
	assert.Equal(t, "https://v/m.mpd?sig=1", loc)

	signed = ""
	_, ok = c.FetchRawMediaLocation(context.Background(), "I1", "B1", "T1")
	assert.False(t, ok)
}

func TestResolvePlayableStream(t *testing.T) {
	var reply string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://v/m.mpd?sig=1", body["url"])
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	tr := NewTranscoder(TranscoderConfig{URL: srv.URL, Timeout: time.Second}, logx.Nop())

	reply = `{"data":{"url":"https://s/stream.m3u8"}}`
	s, ok := tr.ResolvePlayableStream(context.Background(), "https://v/m.mpd?sig=1")
	require.True(t, ok)
	assert.Equal(t, "https://s/stream.m3u8", s)

	for _, bad := range []string{`{}`, `{"data":null}`, `{"data":"x"}`, `{"data":{"url":""}}`, `nope`} {
		reply = bad
		_, ok := tr.ResolvePlayableStream(context.Background(), "https://v/m.mpd?sig=1")
		assert.False(t, ok, "reply %q", bad)
	}
}
