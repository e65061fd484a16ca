package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"strings"
	"time"
)

const (
	// UnknownActorID is recorded as a case's actor when the audit log
	// doesn't say who performed the action
	UnknownActorID   = "0"
	UnknownActorName = "Unknown"

	// caseAppendAttempts is how many times [CaseLedger.Append] retries
	// after losing a race for a case number
	caseAppendAttempts = 3

	pgUniqueViolation = "23505"

	columnCaseGuildID      = "guild_id"
	columnCaseCaseID       = "case_id"
	columnCasePunishment   = "punishment"
	columnCaseTargetUserID = "target_user_id"
	columnSequenceLastID   = "last_case_id"
)

var (
	ErrCaseNotRecorded = errors.New("case not recorded")
	ErrCaseNotFound    = errors.New("case not found")
)

// PunishmentKind is the action a case records
type PunishmentKind string

const (
	PunishmentMute      PunishmentKind = "mute"
	PunishmentVoiceMute PunishmentKind = "voice_mute"
	PunishmentKick      PunishmentKind = "kick"
	PunishmentBan       PunishmentKind = "ban"
)

func (p PunishmentKind) Valid() bool {
	switch p {
	case PunishmentMute, PunishmentVoiceMute, PunishmentKick, PunishmentBan:
		return true
	default:
		return false
	}
}

// Title is the human-readable name of the punishment
func (p PunishmentKind) Title() string {
	switch p {
	case PunishmentMute:
		return "Mute"
	case PunishmentVoiceMute:
		return "Voice Mute"
	case PunishmentKick:
		return "Kick"
	case PunishmentBan:
		return "Ban"
	default:
		return string(p)
	}
}

// CaseSource records which path created a case
type CaseSource string

const (
	// CaseSourceCommand cases were created by a slash command
	CaseSourceCommand CaseSource = "command"

	// CaseSourceEvent cases were created from a gateway event for an
	// action taken outside the bot (ex: a ban from the guild's member
	// list)
	CaseSourceEvent CaseSource = "event"
)

// ModCase is a numbered, immutable record of a punitive action.
// Case IDs start at 1 and increase by one per guild.
type ModCase struct {
	ID                uint           `gorm:"primaryKey" json:"-"`
	GuildID           string         `gorm:"uniqueIndex:idx_guild_case;not null" json:"guild_id"`
	CaseID            int64          `gorm:"uniqueIndex:idx_guild_case;not null" json:"case_id"`
	TargetUserID      string         `gorm:"index;not null" json:"target_user_id"`
	TargetDisplayName string         `json:"target_display_name"`
	ActorUserID       string         `gorm:"not null" json:"actor_user_id"`
	ActorDisplayName  string         `json:"actor_display_name"`
	Punishment        PunishmentKind `gorm:"type:string;not null;check:chk_punishment,punishment IN ('mute','voice_mute','kick','ban')" json:"punishment"`
	Reason            *string        `json:"reason"`
	Source            CaseSource     `gorm:"type:string;not null;default:command" json:"source"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (c ModCase) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", c.GuildID),
		slog.Int64("case_id", c.CaseID),
		slog.String("punishment", string(c.Punishment)),
		slog.String("target_user_id", c.TargetUserID),
		slog.String("actor_user_id", c.ActorUserID),
		slog.String("source", string(c.Source)),
	)
}

// ActorUnknown reports whether the case's actor couldn't be resolved
func (c ModCase) ActorUnknown() bool {
	return c.ActorUserID == UnknownActorID
}

// CaseSequence holds the last case ID allocated for a guild
type CaseSequence struct {
	GuildID    string `gorm:"primaryKey"`
	LastCaseID int64  `gorm:"not null"`
}

// CaseQuery filters and paginates [CaseLedger.List]
type CaseQuery struct {
	Punishment   PunishmentKind
	TargetUserID string
	Limit        int
	Offset       int
	Descending   bool
}

// CaseLedger is the append-only, per-guild store of [ModCase] records.
// It has no update or delete operations.
type CaseLedger struct {
	db      *gorm.DB
	writeDB DBI
}

func NewCaseLedger(db *gorm.DB, writeDB DBI) *CaseLedger {
	return &CaseLedger{db: db, writeDB: writeDB}
}

// NextCaseID returns the case ID the guild's next case would get if it
// were created now: 1 for a guild without cases, otherwise the most
// recent case's ID plus one. It allocates nothing.
func (l *CaseLedger) NextCaseID(ctx context.Context, guildID string) (int64, error) {
	var last ModCase
	err := l.db.WithContext(ctx).
		Where(columnCaseGuildID+" = ?", guildID).
		Order("id desc").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return 0, fmt.Errorf("error reading last case: %w", err)
	}
	if last.ID == 0 {
		return 1, nil
	}
	return last.CaseID + 1, nil
}

// Append allocates the guild's next case ID to c and inserts it, within
// one transaction. The guild's [CaseSequence] row serializes concurrent
// appends, and if an insert still collides on (guild_id, case_id) the
// append is retried. On failure, the returned error wraps
// [ErrCaseNotRecorded].
func (l *CaseLedger) Append(ctx context.Context, c *ModCase) error {
	if c.GuildID == "" {
		return fmt.Errorf("%w: missing guild ID", ErrCaseNotRecorded)
	}
	if !c.Punishment.Valid() {
		return fmt.Errorf("%w: invalid punishment %q", ErrCaseNotRecorded, c.Punishment)
	}
	if c.Source == "" {
		c.Source = CaseSourceCommand
	}
	if c.ActorUserID == "" {
		c.ActorUserID = UnknownActorID
		c.ActorDisplayName = UnknownActorName
	}

	var err error
	for attempt := 1; attempt <= caseAppendAttempts; attempt++ {
		c.ID = 0
		c.CaseID = 0
		err = l.writeDB.Transaction(
			ctx, func(tx *gorm.DB) error {
				caseID, allocErr := allocateCaseID(tx, c.GuildID)
				if allocErr != nil {
					return allocErr
				}
				c.CaseID = caseID
				return tx.Create(c).Error
			},
		)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) || ctx.Err() != nil {
			break
		}
		loggerFrom(ctx, nil).WarnContext(
			ctx,
			"case ID collision, retrying",
			"guild_id", c.GuildID,
			"case_id", c.CaseID,
			"attempt", attempt,
		)
	}
	c.CaseID = 0
	return fmt.Errorf("%w: %w", ErrCaseNotRecorded, err)
}

// allocateCaseID increments and returns the guild's case counter. The
// counter row is seeded from the ledger, so guilds with cases predating
// the counter continue from their highest case ID.
func allocateCaseID(tx *gorm.DB, guildID string) (int64, error) {
	var maxCaseID int64
	err := tx.Model(&ModCase{}).
		Where(columnCaseGuildID+" = ?", guildID).
		Select("COALESCE(MAX(" + columnCaseCaseID + "), 0)").
		Scan(&maxCaseID).Error
	if err != nil {
		return 0, fmt.Errorf("error reading max case ID: %w", err)
	}

	seq := CaseSequence{GuildID: guildID, LastCaseID: maxCaseID + 1}
	err = tx.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnCaseGuildID}},
			DoUpdates: clause.Set{
				{
					Column: clause.Column{Name: columnSequenceLastID},
					Value: gorm.Expr(
						"case_sequences." + columnSequenceLastID + " + 1",
					),
				},
			},
		},
	).Create(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("error incrementing case sequence: %w", err)
	}

	if err = tx.Where(columnCaseGuildID+" = ?", guildID).Take(&seq).Error; err != nil {
		return 0, fmt.Errorf("error reading case sequence: %w", err)
	}
	if seq.LastCaseID <= maxCaseID {
		seq.LastCaseID = maxCaseID + 1
		err = tx.Model(&seq).Update(columnSequenceLastID, seq.LastCaseID).Error
		if err != nil {
			return 0, fmt.Errorf("error resyncing case sequence: %w", err)
		}
	}
	return seq.LastCaseID, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get returns the guild's case with the given case ID, or
// [ErrCaseNotFound]
func (l *CaseLedger) Get(ctx context.Context, guildID string, caseID int64) (*ModCase, error) {
	var c ModCase
	err := l.db.WithContext(ctx).
		Where(columnCaseGuildID+" = ? AND "+columnCaseCaseID+" = ?", guildID, caseID).
		Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	return &c, nil
}

// List returns the guild's cases matching q, ordered by case ID
func (l *CaseLedger) List(ctx context.Context, guildID string, q CaseQuery) ([]ModCase, error) {
	db := l.db.WithContext(ctx).Where(columnCaseGuildID+" = ?", guildID)
	if q.Punishment != "" {
		db = db.Where(columnCasePunishment+" = ?", q.Punishment)
	}
	if q.TargetUserID != "" {
		db = db.Where(columnCaseTargetUserID+" = ?", q.TargetUserID)
	}
	db = db.Order(
		clause.OrderByColumn{
			Column: clause.Column{Name: columnCaseCaseID},
			Desc:   q.Descending,
		},
	)
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}

	cases := []ModCase{}
	if err := db.Find(&cases).Error; err != nil {
		return nil, err
	}
	return cases, nil
}
