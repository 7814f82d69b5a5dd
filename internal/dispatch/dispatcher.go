package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"github.io/infrasutra/voxdesk/internal/intent"
)

const (
	primaryCalendar = "primary"
	defaultTaskList = "@default"
	gmailUser       = "me"
)

// Dispatcher issues the side-effecting calls for one Intent. Every item is
// independent: validation failures are recorded as skipped without a network
// call, provider errors as failed, and neither aborts the rest of the batch.
type Dispatcher struct {
	logger *slog.Logger
	opts   []option.ClientOption
}

// New builds a dispatcher. Extra client options are appended when the Google
// services are constructed; tests use this to point at fake endpoints.
func New(logger *slog.Logger, opts ...option.ClientOption) *Dispatcher {
	return &Dispatcher{logger: logger, opts: opts}
}

// Dispatch creates each valid task, all-day calendar event, and mail draft
// under the given credential and returns one Outcome per item, list order
// preserved, tasks then events then mail. The token is an immutable value;
// nothing here mutates or re-persists it.
func (d *Dispatcher) Dispatch(ctx context.Context, tok *oauth2.Token, in intent.Intent) ([]Outcome, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("dispatch requires a credential")
	}
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(tok)),
	}, d.opts...)

	outcomes := make([]Outcome, 0, in.Size())
	outcomes = append(outcomes, d.dispatchTasks(ctx, opts, in.Tasks)...)
	outcomes = append(outcomes, d.dispatchEvents(ctx, opts, in.Events)...)
	outcomes = append(outcomes, d.dispatchMail(ctx, opts, in.Mail)...)
	return outcomes, nil
}

func (d *Dispatcher) dispatchTasks(ctx context.Context, opts []option.ClientOption, items []intent.TaskAction) []Outcome {
	if len(items) == 0 {
		return nil
	}
	srv, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return failAll(KindTask, len(items), func(i int) string { return items[i].Title }, err)
	}

	outcomes := make([]Outcome, 0, len(items))
	for _, item := range items {
		if item.Title == "" {
			outcomes = append(outcomes, Outcome{Kind: KindTask, Status: StatusSkipped, Detail: "missing title"})
			continue
		}
		task := &tasks.Task{
			Title:  item.Title,
			Notes:  item.Notes,
			Status: item.Status,
		}
		if item.Due != "" {
			due, err := time.Parse("2006-01-02", item.Due)
			if err != nil {
				outcomes = append(outcomes, Outcome{Kind: KindTask, Ref: item.Title, Status: StatusFailed, Detail: "invalid due date: " + item.Due})
				continue
			}
			task.Due = due.UTC().Format(time.RFC3339)
		}
		created, err := srv.Tasks.Insert(defaultTaskList, task).Context(ctx).Do()
		if err != nil {
			d.logger.Error("create task", "title", item.Title, "error", err)
			outcomes = append(outcomes, Outcome{Kind: KindTask, Ref: item.Title, Status: StatusFailed, Detail: err.Error()})
			continue
		}
		d.logger.Info("task created", "title", created.Title, "id", created.Id)
		outcomes = append(outcomes, Outcome{Kind: KindTask, Ref: item.Title, Status: StatusSucceeded, Detail: created.Id})
	}
	return outcomes
}

func (d *Dispatcher) dispatchEvents(ctx context.Context, opts []option.ClientOption, items []intent.EventAction) []Outcome {
	if len(items) == 0 {
		return nil
	}
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return failAll(KindEvent, len(items), func(i int) string { return items[i].Name }, err)
	}

	outcomes := make([]Outcome, 0, len(items))
	for _, item := range items {
		if item.Name == "" || item.Date == "" {
			outcomes = append(outcomes, Outcome{Kind: KindEvent, Ref: item.Name, Status: StatusSkipped, Detail: "missing name or date"})
			continue
		}
		// All-day event: date only, no time-of-day, UTC.
		event := &calendar.Event{
			Summary: item.Name,
			Start:   &calendar.EventDateTime{Date: item.Date, TimeZone: "UTC"},
			End:     &calendar.EventDateTime{Date: item.Date, TimeZone: "UTC"},
		}
		created, err := srv.Events.Insert(primaryCalendar, event).Context(ctx).Do()
		if err != nil {
			d.logger.Error("create event", "name", item.Name, "error", err)
			outcomes = append(outcomes, Outcome{Kind: KindEvent, Ref: item.Name, Status: StatusFailed, Detail: err.Error()})
			continue
		}
		d.logger.Info("event created", "name", created.Summary, "id", created.Id)
		outcomes = append(outcomes, Outcome{Kind: KindEvent, Ref: item.Name, Status: StatusSucceeded, Detail: created.Id})
	}
	return outcomes
}

func (d *Dispatcher) dispatchMail(ctx context.Context, opts []option.ClientOption, items []intent.MailAction) []Outcome {
	if len(items) == 0 {
		return nil
	}
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return failAll(KindMail, len(items), func(i int) string { return items[i].To }, err)
	}

	outcomes := make([]Outcome, 0, len(items))
	for _, item := range items {
		if item.To == "" || item.Subject == "" || item.Body == "" {
			outcomes = append(outcomes, Outcome{Kind: KindMail, Ref: item.To, Status: StatusSkipped, Detail: "missing to, subject, or body"})
			continue
		}
		raw, err := buildDraftMessage(item)
		if err != nil {
			outcomes = append(outcomes, Outcome{Kind: KindMail, Ref: item.To, Status: StatusFailed, Detail: err.Error()})
			continue
		}
		draft := &gmail.Draft{Message: &gmail.Message{Raw: raw}}
		created, err := srv.Users.Drafts.Create(gmailUser, draft).Context(ctx).Do()
		if err != nil {
			d.logger.Error("create draft", "to", item.To, "error", err)
			outcomes = append(outcomes, Outcome{Kind: KindMail, Ref: item.To, Status: StatusFailed, Detail: err.Error()})
			continue
		}
		d.logger.Info("draft created", "to", item.To, "id", created.Id)
		outcomes = append(outcomes, Outcome{Kind: KindMail, Ref: item.To, Status: StatusSucceeded, Detail: created.Id})
	}
	return outcomes
}

// buildDraftMessage assembles the RFC-822 draft (To, Subject, blank line,
// body) and encodes it the way the Gmail API expects raw messages: base64url.
func buildDraftMessage(item intent.MailAction) (string, error) {
	var buf bytes.Buffer
	var header mail.Header
	header.SetAddressList("To", []*mail.Address{{Address: item.To}})
	header.SetSubject(item.Subject)

	writer, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return "", fmt.Errorf("build draft: %w", err)
	}
	if _, err := io.WriteString(writer, item.Body); err != nil {
		writer.Close()
		return "", fmt.Errorf("build draft: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build draft: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func failAll(kind Kind, n int, ref func(int) string, err error) []Outcome {
	outcomes := make([]Outcome, 0, n)
	for i := 0; i < n; i++ {
		outcomes = append(outcomes, Outcome{Kind: kind, Ref: ref(i), Status: StatusFailed, Detail: err.Error()})
	}
	return outcomes
}
