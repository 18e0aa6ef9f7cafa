// Package notify delivers chain outcome notifications to the desktop and Slack.
package notify

import (
	"errors"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Field is a labelled value shown alongside the message
type Field struct {
	Name  string
	Value string
}

// Notification is one chain outcome message
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string
	Chain   string
	Fields  []Field
}

func (n Notification) subtitle() string {
	switch {
	case n.RunID != "" && n.Chain != "":
		return n.RunID + " · " + n.Chain
	default:
		return n.RunID + n.Chain
	}
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to every notifier and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped notifiers
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// FromConfig builds the notifiers enabled in cfg; nil when none are
func FromConfig(cfg config.NotificationsConfig) *MultiNotifier {
	var notifiers []Notifier
	if cfg.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier())
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return NewMultiNotifier(notifiers...)
}
