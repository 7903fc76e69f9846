package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"your.org/secretaria-backend/internal/calendar"
	"your.org/secretaria-backend/internal/whatsapp"
)

// Action names accepted from the automation webhook and the AMQP
// action queue.
const (
	ActionSendWhatsApp        = "send_whatsapp"
	ActionCreateCalendarEvent = "create_calendar_event"
)

// ErrUnknownAction is returned for action names the dispatcher does
// not understand.
var ErrUnknownAction = errors.New("unknown action")

// Dispatcher executes automation actions against the integrations.
// Both the n8n webhook route and the AMQP consumer feed it.
type Dispatcher struct {
	WhatsApp *whatsapp.Manager
	Calendar *calendar.Client
}

type sendWhatsAppAction struct {
	UserID  string `json:"user_id"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type createCalendarEventAction struct {
	UserID string         `json:"user_id"`
	Event  calendar.Event `json:"event"`
}

// Dispatch decodes and runs one action.  Validation failures and
// unknown actions are returned to the caller; they are the caller's
// 400s.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, data json.RawMessage) error {
	switch action {
	case ActionSendWhatsApp:
		var a sendWhatsAppAction
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decode %s payload: %w", action, err)
		}
		if a.UserID == "" || a.Phone == "" || a.Message == "" {
			return errors.New("send_whatsapp requires user_id, phone and message")
		}
		_, err := d.WhatsApp.SendMessage(ctx, a.UserID, a.Phone, a.Message)
		return err
	case ActionCreateCalendarEvent:
		var a createCalendarEventAction
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decode %s payload: %w", action, err)
		}
		if a.UserID == "" {
			return errors.New("create_calendar_event requires user_id")
		}
		_, err := d.Calendar.CreateEvent(ctx, a.UserID, &a.Event)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}
