package dismod

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

// AuditEntry is the audit log record attributing an action to an actor
type AuditEntry struct {
	ActorID   string
	ActorName string
	Reason    string
}

// AuditResolver looks up who performed a ban or unban, by scanning
// the guild's most recent audit log entries. The entry for an action
// isn't guaranteed to exist yet when its gateway event arrives, so the
// lookup is retried.
type AuditResolver struct {
	session       DiscordSessionHandler
	window        int
	attempts      int
	retryInterval time.Duration
	logger        *slog.Logger
}

func NewAuditResolver(
	session DiscordSessionHandler,
	cfg *ModerationConfig,
	logger *slog.Logger,
) *AuditResolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &AuditResolver{
		session:       session,
		window:        cfg.AuditLogWindow,
		attempts:      cfg.AuditLogAttempts,
		retryInterval: cfg.AuditLogRetryInterval,
		logger:        logger,
	}
	if r.window < 1 {
		r.window = DefaultAuditLogWindow
	}
	if r.attempts < 1 {
		r.attempts = 1
	}
	return r
}

// Resolve returns the first entry among the guild's most recent audit
// log entries of the given action type, targeting targetUserID. Fetch
// errors are logged and treated as no match.
func (r *AuditResolver) Resolve(
	ctx context.Context,
	guildID string,
	targetUserID string,
	action discordgo.AuditLogAction,
) (AuditEntry, bool) {
	logger := loggerFrom(ctx, r.logger).With(
		"guild_id", guildID,
		"target_user_id", targetUserID,
		"action", int(action),
	)

	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				logger.WarnContext(ctx, "audit log lookup cancelled", tint.Err(ctx.Err()))
				return AuditEntry{}, false
			case <-time.After(r.retryInterval):
			}
		}

		auditLog, err := r.session.GuildAuditLog(
			guildID,
			"",
			"",
			int(action),
			r.window,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.ErrorContext(
				ctx,
				"error fetching audit log",
				"attempt", attempt,
				tint.Err(err),
			)
			continue
		}

		if entry, ok := matchAuditEntry(auditLog, targetUserID, action); ok {
			logger.DebugContext(
				ctx,
				"resolved audit log entry",
				"actor_id", entry.ActorID,
				"attempt", attempt,
			)
			return entry, true
		}
		logger.DebugContext(ctx, "no matching audit log entry", "attempt", attempt)
	}

	logger.InfoContext(ctx, "unable to resolve actor from audit log")
	return AuditEntry{}, false
}

// matchAuditEntry scans the log for an entry of the given action
// targeting targetUserID, and returns it with the actor's name from
// the log's user list
func matchAuditEntry(
	auditLog *discordgo.GuildAuditLog,
	targetUserID string,
	action discordgo.AuditLogAction,
) (AuditEntry, bool) {
	if auditLog == nil {
		return AuditEntry{}, false
	}
	for _, e := range auditLog.AuditLogEntries {
		if e == nil || e.ActionType == nil {
			continue
		}
		if e.TargetID != targetUserID || *e.ActionType != action {
			continue
		}
		entry := AuditEntry{ActorID: e.UserID, Reason: e.Reason}
		for _, u := range auditLog.Users {
			if u != nil && u.ID == e.UserID {
				entry.ActorName = displayName(u)
				break
			}
		}
		if entry.ActorName == "" {
			entry.ActorName = e.UserID
		}
		return entry, true
	}
	return AuditEntry{}, false
}
