package dispatcher

import (
	"context"
	"fmt"
	"regexp"

	"github.com/redis-sre/agentcore/pkg/logger"
	"github.com/redis-sre/agentcore/pkg/model"
)

// InstanceProvisioner creates an Instance record when a user pastes
// connection details straight into a message and nothing is bound yet.
// Satisfied by pkg/instance.Store.
type InstanceProvisioner interface {
	Create(ctx context.Context, inst model.Instance, connectionURL string) (string, error)
}

var (
	redisURLPattern = regexp.MustCompile(`rediss?://[^\s"'<>]+`)
	hostPortPattern = regexp.MustCompile(`\b([a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z0-9.-]+|localhost|(?:\d{1,3}\.){3}\d{1,3}):(\d{2,5})\b`)
)

// extractConnectionURL pulls a Redis connection target out of free-form
// message text: a redis:// or rediss:// URL wins; a bare host:port is
// normalized into a redis:// URL. Returns "" when nothing plausible is
// found.
func extractConnectionURL(message string) string {
	if url := redisURLPattern.FindString(message); url != "" {
		return url
	}
	if m := hostPortPattern.FindStringSubmatch(message); m != nil {
		return fmt.Sprintf("redis://%s:%s", m[1], m[2])
	}
	return ""
}

// resolveInstanceID applies the binding precedence for a turn:
// client-supplied context, then thread-persisted context, then connection
// details extracted from the message itself (auto-provisioning an instance
// record for the latter). Returns "" when the turn has no instance.
func (d *Dispatcher) resolveInstanceID(ctx context.Context, th *model.Thread, clientCtx map[string]any, message string) string {
	if id := stringField(clientCtx, "instance_id"); id != "" {
		return id
	}
	if id := stringField(th.Context, "instance_id"); id != "" {
		return id
	}

	url := extractConnectionURL(message)
	if url == "" || d.provisioner == nil {
		return ""
	}
	id, err := d.provisioner.Create(ctx, model.Instance{
		Name:        "auto-detected",
		Environment: "unknown",
		CreatedBy:   "agent",
		UserID:      th.Metadata.UserID,
	}, url)
	if err != nil {
		logger.Log.Warn().Err(err).Str("thread_id", th.Metadata.ThreadID).
			Msg("failed to auto-provision instance from message")
		return ""
	}
	logger.Log.Info().Str("instance_id", id).Str("thread_id", th.Metadata.ThreadID).
		Msg("auto-provisioned instance from message")
	return id
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
