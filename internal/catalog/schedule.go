package catalog

import (
	"bytes"
	"encoding/json"
	"strings"
)

const externalURLType = "vimeo"

type rawLecture struct {
	ID        string        `json:"_id"`
	Topic     string        `json:"topic"`
	URLType   string        `json:"urlType"`
	Homeworks []rawHomework `json:"homeworkIds"`
}

type rawHomework struct {
	Topic       string          `json:"topic"`
	Attachments []rawAttachment `json:"attachmentIds"`
}

type rawAttachment struct {
	BaseURL string `json:"baseUrl"`
	Key     string `json:"key"`
	Name    string `json:"name"`
}

// decodeSchedule maps the todays-schedule payload onto ScheduleItems,
// preserving catalog order. Lectures without an id cannot be deduplicated
// and are dropped.
func decodeSchedule(batchID string, data json.RawMessage) ([]ScheduleItem, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var raw []rawLecture
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	items := make([]ScheduleItem, 0, len(raw))
	for _, l := range raw {
		id := strings.TrimSpace(l.ID)
		if id == "" {
			continue
		}
		it := ScheduleItem{ID: id, Title: orDefault(l.Topic, "Lecture"), BatchID: batchID}
		for _, hw := range l.Homeworks {
			title := orDefault(hw.Topic, "Document")
			for _, a := range hw.Attachments {
				it.Documents = append(it.Documents, Document{BaseURL: a.BaseURL, Key: a.Key, Name: a.Name, Title: title})
			}
		}
		// Every lecture may carry a recording; a missing one surfaces as an
		// absent raw media location and is skipped there.
		kind := VideoResolvable
		if strings.EqualFold(strings.TrimSpace(l.URLType), externalURLType) {
			kind = VideoExternal
		}
		it.Video = &VideoRef{Kind: kind, URLType: l.URLType}
		items = append(items, it)
	}
	return items, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
