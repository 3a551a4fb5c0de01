package swcache

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"unicode/utf8"
)

const (
	ActionView  = "view"
	ActionClose = "close"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is rendered once and then forgotten.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Actions []NotificationAction `json:"actions"`
	URL     string               `json:"url"`
}

// Notifier displays and dismisses notifications on the host.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, n Notification) error
}

// WindowOpener focuses an existing client at url or opens a new one.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

type NotificationDefaults struct {
	Title       string
	DefaultBody string
	Icon        string
	Badge       string
	TargetURL   string
}

// NotificationGateway turns push payloads into notifications. It shares no
// state with the caching side.
type NotificationGateway struct {
	defaults NotificationDefaults
	notifier Notifier
	opener   WindowOpener
}

func NewNotificationGateway(d NotificationDefaults, n Notifier, o WindowOpener) *NotificationGateway {
	return &NotificationGateway{defaults: d, notifier: n, opener: o}
}

type structuredPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Build renders payload into a notification. A nil, blank or non UTF-8 payload
// yields the default body. A JSON object may set title, body and url; any other
// text becomes the body verbatim.
func (g *NotificationGateway) Build(payload []byte) Notification {
	n := Notification{
		Title: g.defaults.Title,
		Body:  g.defaults.DefaultBody,
		Icon:  g.defaults.Icon,
		Badge: g.defaults.Badge,
		URL:   g.defaults.TargetURL,
		Actions: []NotificationAction{
			{Action: ActionView, Title: "View"},
			{Action: ActionClose, Title: "Close"},
		},
	}
	if len(payload) == 0 || !utf8.Valid(payload) || strings.TrimSpace(string(payload)) == "" {
		return n
	}

	text := string(payload)
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var sp structuredPayload
		if err := json.Unmarshal([]byte(trimmed), &sp); err == nil && (sp.Title != "" || sp.Body != "" || sp.URL != "") {
			if sp.Title != "" {
				n.Title = sp.Title
			}
			if sp.Body != "" {
				n.Body = sp.Body
			}
			if strings.HasPrefix(sp.URL, "/") {
				n.URL = sp.URL
			}
			return n
		}
	}
	n.Body = text
	return n
}

// HandlePush displays the notification for payload. Display errors are logged;
// the push itself never fails.
func (g *NotificationGateway) HandlePush(ctx context.Context, payload []byte) Notification {
	n := g.Build(payload)
	if g.notifier != nil {
		if err := g.notifier.ShowNotification(ctx, n); err != nil {
			log.Printf("push: show notification: %v", err)
		}
	}
	return n
}

// HandleClick closes n and, for the view action, opens its target. It returns
// the opened URL, or "" when nothing was opened.
func (g *NotificationGateway) HandleClick(ctx context.Context, action string, n Notification) (string, error) {
	if g.notifier != nil {
		if err := g.notifier.CloseNotification(ctx, n); err != nil {
			log.Printf("notificationclick: close: %v", err)
		}
	}
	if action != ActionView {
		return "", nil
	}
	target := n.URL
	if target == "" {
		target = g.defaults.TargetURL
	}
	if g.opener == nil {
		return "", nil
	}
	if err := g.opener.OpenWindow(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}
