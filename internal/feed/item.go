package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ItemID is the opaque identifier of a feed item. The server may send it as
// a JSON string or number; both decode to the same textual form.
type ItemID string

func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ItemID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	*id = ItemID(n.String())
	return nil
}

// Item is one notification or activity-log entry.
type Item struct {
	ID        ItemID    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// Page is the result of one content fetch. Items are newest first.
type Page struct {
	Items      []Item
	PageNumber int
	TotalPages int
	TotalCount int
}

// Kind selects which server collection a feed reads.
type Kind string

const (
	KindNotifications Kind = "notifications"
	KindActivity      Kind = "activity"
)

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "notifications", "notification":
		return KindNotifications, nil
	case "activity", "activity-logs", "activity_logs":
		return KindActivity, nil
	default:
		return "", fmt.Errorf("unsupported feed kind: %s", raw)
	}
}

func (k Kind) path() string {
	if k == KindActivity {
		return "/activity-logs"
	}
	return "/notifications"
}
