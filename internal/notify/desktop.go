package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier raises a desktop notification through notify-send or osascript
type DesktopNotifier struct {
	goos string
	run  func(name string, args ...string) error
}

// NewDesktopNotifier targets the current platform
func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{
		goos: runtime.GOOS,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows n; other platforms are a no-op
func (d *DesktopNotifier) Send(n Notification) error {
	switch d.goos {
	case "darwin":
		return d.run("osascript", "-e", appleScript(n))
	case "linux":
		return d.run("notify-send", notifySendArgs(n)...)
	}
	return nil
}

func notifySendArgs(n Notification) []string {
	urgency := "normal"
	if n.Type == NotifyError {
		urgency = "critical"
	}
	return []string{
		"--app-name", "adw-orch",
		"--urgency", urgency,
		"--icon", iconFor(n.Type),
		n.Title, n.Message,
	}
}

func appleScript(n Notification) string {
	quote := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	script := `display notification "` + quote.Replace(n.Message) + `" with title "` + quote.Replace(n.Title) + `"`
	if sub := n.subtitle(); sub != "" {
		script += ` subtitle "` + quote.Replace(sub) + `"`
	}
	return script
}

func iconFor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
