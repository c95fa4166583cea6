package incident

import (
	"strconv"

	"github.com/linnemanlabs/warden/internal/dispatch"
)

// notifyThresholds is the minimum confidence per event type for which a
// notification is sent.
var notifyThresholds = map[EventType]float64{
	EventFire:   0.7,
	EventFall:   0.75,
	EventFight:  0.85,
	EventWeapon: 0.6,
}

const defaultNotifyThreshold = 0.7

// NotifyThreshold returns the confidence needed before t is dispatched.
func NotifyThreshold(t EventType) float64 {
	if v, ok := notifyThresholds[t]; ok {
		return v
	}
	return defaultNotifyThreshold
}

type campaign struct {
	title string
	body  string
}

var campaigns = map[EventType]campaign{
	EventFire:     {"🔥 Fire Alert", "A fire has been detected. Please evacuate immediately."},
	EventFall:     {"🚨 Fall Detected", "A person has fallen. Immediate medical attention may be needed."},
	EventFight:    {"⚠️ Conflict Detected", "Aggressive behavior detected. Please investigate."},
	EventWeapon:   {"🔫 Weapon Threat", "Suspicious object or weapon detected."},
	EventTheft:    {"🚨 Theft Detected", "Possible theft in progress. Please review the camera feed."},
	EventAccident: {"🚑 Accident Detected", "An accident has been detected. Emergency response may be needed."},
}

// BuildMessage renders the push notification for a.
func BuildMessage(a *Alert) dispatch.Message {
	c, ok := campaigns[a.EventType]
	if !ok {
		c = campaign{title: "⚠️ Incident Alert", body: "Suspicious activity detected."}
		if a.Reason != "" {
			c.body = "Suspicious activity detected. (" + a.Reason + ")"
		}
	}
	body := c.body
	if a.Location != "" {
		body += " Location: " + a.Location + "."
	}
	if a.Status == StatusEscalated {
		c.title = "[ESCALATED] " + c.title
	}
	return dispatch.Message{
		Title: c.title,
		Body:  body,
		Data: map[string]string{
			"alertId":    a.ID,
			"eventType":  string(a.EventType),
			"severity":   string(a.Severity),
			"location":   a.Location,
			"cameraId":   a.CameraID,
			"confidence": strconv.FormatFloat(a.Confidence, 'f', 2, 64),
		},
	}
}
