package notify

import (
	"context"
	"fmt"

	"github.com/lavet13/tour-sub000"
)

// ActivityForwarder turns account activity into staff notifications. It
// implements auth.ActivitySink.
type ActivityForwarder struct {
	notifier *Notifier
	roles    []auth.Role
}

func NewActivityForwarder(n *Notifier, roles ...auth.Role) *ActivityForwarder {
	if len(roles) == 0 {
		roles = []auth.Role{auth.RoleAdmin, auth.RoleManager}
	}
	return &ActivityForwarder{notifier: n, roles: roles}
}

func (f *ActivityForwarder) Record(ctx context.Context, event auth.ActivityEvent) error {
	if event.EventType != auth.ActivityEventAccountCreated {
		return nil
	}

	name, _ := event.Metadata["display_name"].(string)
	f.notifier.Notify(ctx, Event{
		Type:  string(event.EventType),
		Text:  fmt.Sprintf("New account: %s (%s)", name, event.Method),
		Roles: f.roles,
		Metadata: map[string]any{
			"account_id": event.AccountID,
		},
	})
	return nil
}
