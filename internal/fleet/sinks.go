package fleet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/fleet-core/internal/audit"
)

// storeSink persists the durable side of each event: command results,
// status updates and timeouts go to the activity log, notifications to
// the notification store.
type storeSink struct {
	activity      ActivityLog
	notifications NotificationStore
}

func (s *storeSink) Name() string { return "store" }

func (s *storeSink) HandleEvent(ctx context.Context, e Event) error {
	switch e.Kind {
	case KindCommandResponse:
		r := e.Result
		status := audit.StatusFailed
		if r.Success {
			status = audit.StatusSuccess
		}
		_, err := s.activity.Append(ctx, e.DeviceID, r.Action, status, resultText(r.Message, r.Result))
		return err

	case KindStatusUpdate:
		body, err := json.Marshal(e.Status)
		if err != nil {
			return fmt.Errorf("encoding status: %w", err)
		}
		_, err = s.activity.Append(ctx, e.DeviceID, string(KindStatusUpdate), audit.StatusInfo, string(body))
		return err

	case KindCommandTimeout:
		p := e.Expired
		_, err := s.activity.Append(ctx, e.DeviceID, p.Action, audit.StatusTimeout,
			"No response for command "+p.CommandID)
		return err

	case KindNotification:
		if s.notifications == nil {
			return nil
		}
		// Other sinks may read the shared event concurrently; Append sets ID.
		n := *e.Notification
		return s.notifications.Append(ctx, &n)
	}
	return nil
}
