package dismod

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
	"io"
	"log/slog"
	"strings"
	"time"
)

const loggerNameKey = "logger"

// component logger names
const (
	logNameMain       = "dismod"
	logNameDiscord    = "discord"
	logNameDiscordgo  = "discordgo"
	logNameGORM       = "gorm"
	logNameAPI        = "api"
	logNameModerator  = "moderator"
	logNameReconciler = "reconciler"
	logNameModLog     = "modlog"
	logNameDedup      = "dedup"
	logNameAudit      = "audit"
	logNameSettings   = "settings"
	logNameNotifier   = "db_notifier"
)

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// componentLogger returns a logger for the named component, writing
// through a tint handler gated by the given level.
func componentLogger(
	handlerOpts tint.Options,
	w io.Writer,
	name string,
	level slog.Leveler,
) *slog.Logger {
	handlerOpts.Level = level
	return slog.New(tint.NewHandler(w, &handlerOpts)).With(
		loggerNameKey,
		name,
	)
}

// discordgoLoggerFunc returns a function that can be assigned to
// [discordgo.Logger], routing the library's output through slog.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler).With(loggerNameKey, logNameDiscordgo)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

var (
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
)

// DBLogLevel is a slog level name stored as a string column, so
// [RuntimeConfig] can persist per-component levels.
type DBLogLevel string

// Scan implements the sql.Scanner interface.
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return l.parseLevel(string(v))
	case string:
		return l.parseLevel(v)
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

// Value implements the driver.Valuer interface.
func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var levelString string
	if err := json.Unmarshal(data, &levelString); err != nil {
		return err
	}
	return l.parseLevel(levelString)
}

func (l DBLogLevel) String() string {
	return string(l)
}

func (l *DBLogLevel) parseLevel(s string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return fmt.Errorf("unknown log level: %s", s)
	}
	*l = DBLogLevel(level.String())
	return nil
}

// Level returns the underlying slog.Level value. Unknown values
// fall back to INFO.
func (l DBLogLevel) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(string(l)))); err != nil {
		slog.Default().Error(fmt.Sprintf("unknown log level '%s'", string(l)))
		return slog.LevelInfo
	}
	return level
}

func (l *DBLogLevel) Set(s string) error {
	return l.parseLevel(s)
}

// gormStructuredLogger implements [logger.Interface] over slog
type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, logNameGORM),
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, as levels are controlled by the handler's
// [slog.LevelVar]
func (g *gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()

	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	attrs := []any{
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"rows", rows,
		"sql", s,
	}
	if err != nil {
		attrs = append(attrs, tint.Err(err))
	}

	if g.SlowThreshold > 0 && elapsed > g.SlowThreshold {
		g.logger.WarnContext(ctx, "slow sql", attrs...)
		return
	}
	g.logger.DebugContext(ctx, "sql completed", attrs...)
}
