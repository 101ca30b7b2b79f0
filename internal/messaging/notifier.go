package messaging

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"taskgrid/internal/domain"
	"taskgrid/internal/repo"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// Notifier queues notification messages for users. All sends are
// best-effort: a failed insert is logged and swallowed so a notification
// problem never rolls back a task transition.
type Notifier struct {
	Repo   repo.Repo
	Logger *log.Logger
	Now    func() time.Time
}

func (n Notifier) logger() *log.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return log.Default()
}

func (n Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n Notifier) send(ctx context.Context, m domain.Message) {
	m.ID = uuid.New().String()
	m.CreatedAt = n.now().UTC().Format(time.RFC3339)
	if err := n.Repo.InsertMessage(ctx, m); err != nil {
		n.logger().Printf("notifier: queue message to user %d failed: %v", m.ToUserID, err)
	}
}

// NotifyValidationOutcome tells the original mapper their task was validated
// or invalidated. No message is sent when the validator mapped the task
// themselves.
func (n Notifier) NotifyValidationOutcome(ctx context.Context, projectID, taskID, mapperID, validatorID int64, status domain.TaskStatus) {
	if mapperID == validatorID {
		return
	}
	msgType := domain.MessageValidation
	verb := "validated"
	if status == domain.StatusInvalidated {
		msgType = domain.MessageInvalidation
		verb = "invalidated"
	}
	n.send(ctx, domain.Message{
		ToUserID:    mapperID,
		FromUserID:  &validatorID,
		ProjectID:   &projectID,
		TaskID:      &taskID,
		Subject:     fmt.Sprintf("Task %d on project %d was %s", taskID, projectID, verb),
		MessageType: msgType,
	})
}

// NotifyMentions queues a message for every @username in the comment that
// resolves to a known user. Unknown usernames are skipped silently.
func (n Notifier) NotifyMentions(ctx context.Context, projectID, taskID, fromUserID int64, comment string) {
	if comment == "" {
		return
	}
	seen := map[string]bool{}
	for _, match := range mentionPattern.FindAllStringSubmatch(comment, -1) {
		username := match[1]
		if seen[username] {
			continue
		}
		seen[username] = true
		u, err := n.Repo.GetUserByUsername(ctx, username)
		if err != nil {
			continue
		}
		if u.ID == fromUserID {
			continue
		}
		n.send(ctx, domain.Message{
			ToUserID:    u.ID,
			FromUserID:  &fromUserID,
			ProjectID:   &projectID,
			TaskID:      &taskID,
			Subject:     fmt.Sprintf("You were mentioned in a comment on task %d of project %d", taskID, projectID),
			Text:        comment,
			MessageType: domain.MessageMention,
		})
	}
}
