package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const slackTimeout = 10 * time.Second

// SlackNotifier posts chain outcomes to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Fallback string       `json:"fallback"`
	Text     string       `json:"text,omitempty"`
	Fields   []slackField `json:"fields,omitempty"`
	Footer   string       `json:"footer"`
	TS       int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier posts to webhookURL; an empty URL disables it
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, client: &http.Client{}}
}

// SlackColor maps a notification type to an attachment color
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func (s *SlackNotifier) payload(n Notification, now time.Time) slackPayload {
	att := slackAttachment{
		Color:    SlackColor(n.Type),
		Fallback: n.Title + ": " + n.Message,
		Text:     n.Message,
		Footer:   "adw-orch",
		TS:       now.Unix(),
	}
	for _, f := range n.Fields {
		// long values such as failure details get a full-width column
		att.Fields = append(att.Fields, slackField{Title: f.Name, Value: f.Value, Short: len(f.Value) <= 40})
	}
	return slackPayload{Text: "*" + n.Title + "*", Attachments: []slackAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(s.payload(n, time.Now()))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), slackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(reason)))
	}
	return nil
}
