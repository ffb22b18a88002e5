package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a notification ID does not exist.
	ErrNotFound = errors.New("notification: not found")

	// ErrInvalidPayload is returned when notification data cannot be parsed.
	ErrInvalidPayload = errors.New("notification: invalid payload")
)

// Notification is one stored notification.
type Notification struct {
	ID             int64           `json:"id"`
	DeviceID       string          `json:"device_id"`
	PackageName    string          `json:"package_name"`
	NotificationID int64           `json:"notification_id"`
	Key            string          `json:"notification_key"`
	Title          string          `json:"title"`
	Text           string          `json:"text"`
	BigText        string          `json:"big_text"`
	PostTime       int64           `json:"post_time"`
	Ongoing        bool            `json:"is_ongoing"`
	Clearable      bool            `json:"is_clearable"`
	ChannelID      string          `json:"channel_id"`
	Extra          json.RawMessage `json:"extra_data"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// payload mirrors the notification_data object sent by the device agent.
type payload struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	PackageName string `json:"package_name"`
	PostTime    int64  `json:"post_time"`
	IsOngoing   bool   `json:"is_ongoing"`
	IsClearable *bool  `json:"is_clearable"`
	Content     struct {
		Title     string `json:"title"`
		Text      string `json:"text"`
		BigText   string `json:"big_text"`
		ChannelID string `json:"channel_id"`
		When      int64  `json:"when"`
		Number    int    `json:"number"`
		Flags     int    `json:"flags"`
	} `json:"notification"`
}

type extra struct {
	When   int64 `json:"when"`
	Number int   `json:"number"`
	Flags  int   `json:"flags"`
}

// Parse builds a Notification for deviceID from raw notification_data.
// A missing post_time falls back to the receipt time; a missing
// is_clearable defaults to true.
func Parse(deviceID string, data json.RawMessage, receivedAt time.Time) (*Notification, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrInvalidPayload)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty notification_data", ErrInvalidPayload)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	n := &Notification{
		DeviceID:       deviceID,
		PackageName:    p.PackageName,
		NotificationID: p.ID,
		Key:            p.Key,
		Title:          p.Content.Title,
		Text:           p.Content.Text,
		BigText:        p.Content.BigText,
		PostTime:       p.PostTime,
		Ongoing:        p.IsOngoing,
		Clearable:      true,
		ChannelID:      p.Content.ChannelID,
		ReceivedAt:     receivedAt.UTC(),
	}
	if p.IsClearable != nil {
		n.Clearable = *p.IsClearable
	}
	if n.PostTime == 0 {
		n.PostTime = receivedAt.UnixMilli()
	}

	x, err := json.Marshal(extra{When: p.Content.When, Number: p.Content.Number, Flags: p.Content.Flags})
	if err != nil {
		return nil, fmt.Errorf("marshalling extra data: %w", err)
	}
	n.Extra = x

	return n, nil
}
