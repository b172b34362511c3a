package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/textutil"
)

const userAgent = "Loom-Go/0.1.0"

// errorDetailLimit bounds how much of a stage error makes it into a push
// notification body.
const errorDetailLimit = 300

// Event identifies a notable pipeline milestone.
type Event string

const (
	// EventJobCompleted fires when a job reaches the completed status,
	// including degraded completions with dead-lettered optional stages.
	EventJobCompleted Event = "job_completed"
	// EventJobFailed fires when a critical stage drives a job to failed.
	// Operator-initiated cancellations do not notify.
	EventJobFailed Event = "job_failed"
	// EventDeadLetter fires when a stage exhausts its retry budget.
	EventDeadLetter Event = "dead_letter"
	// EventTest is emitted by the CLI to verify notification delivery.
	EventTest Event = "test"
)

// Payload carries the string fields a notifier may interpolate into its
// message. Unknown keys are ignored, so callers can attach whatever context
// they have.
type Payload map[string]string

// Service defines the notification surface exposed to workflow components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventJobCompleted: cfg.Notifications.JobComplete,
			EventJobFailed:    cfg.Notifications.JobFailed,
			EventDeadLetter:   cfg.Notifications.DeadLetter,
			EventTest:         true,
		},
	}
}

// NewNop returns a Service that discards every event.
func NewNop() Service {
	return noopService{}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, err := render(event, payload)
	if err != nil {
		return err
	}
	return n.send(ctx, msg)
}

func render(event Event, payload Payload) (message, error) {
	title := strings.TrimSpace(payload["title"])
	if title == "" {
		title = strings.TrimSpace(payload["job_id"])
	}
	stage := strings.TrimSpace(payload["stage"])
	detail := textutil.Truncate(strings.TrimSpace(payload["error"]), errorDetailLimit)

	switch event {
	case EventJobCompleted:
		body := fmt.Sprintf("✅ Job complete: %s", title)
		if detail != "" {
			body = fmt.Sprintf("%s\nDegraded: %s", body, detail)
		}
		return message{
			title:    "Loom - Job Complete",
			body:     body,
			tags:     []string{"loom", "job", "completed"},
			priority: "high",
		}, nil
	case EventJobFailed:
		body := fmt.Sprintf("❌ Job failed: %s", title)
		if stage != "" {
			body = fmt.Sprintf("%s\nFailing stage: %s", body, stage)
		}
		if detail != "" {
			body = fmt.Sprintf("%s\nError: %s", body, detail)
		}
		return message{
			title:    "Loom - Job Failed",
			body:     body,
			tags:     []string{"loom", "job", "failed"},
			priority: "high",
		}, nil
	case EventDeadLetter:
		body := fmt.Sprintf("⚠️ Stage dead-lettered: %s", stage)
		if title != "" {
			body = fmt.Sprintf("%s\nJob: %s", body, title)
		}
		if attempts := strings.TrimSpace(payload["attempts"]); attempts != "" {
			body = fmt.Sprintf("%s\nAttempts: %s", body, attempts)
		}
		if detail != "" {
			body = fmt.Sprintf("%s\nError: %s", body, detail)
		}
		return message{
			title: "Loom - Dead Letter",
			body:  body,
			tags:  []string{"loom", "stage", "dead-letter"},
		}, nil
	case EventTest:
		return message{
			title:    "Loom - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"loom", "test"},
			priority: "low",
		}, nil
	default:
		return message{}, fmt.Errorf("unknown notification event %q", event)
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
