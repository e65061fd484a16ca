package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
)

const (
	minPruneDays = 0
	maxPruneDays = 7
)

// Domain errors are returned before any side effect is performed
var (
	ErrInvalidPruneDays    = errors.New("prune days must be between 0 and 7")
	ErrSelfTarget          = errors.New("you can't target yourself")
	ErrHierarchy           = errors.New("target's top role is not below yours")
	ErrMissingTarget       = errors.New("no target user given")
	ErrAlreadyBanned       = errors.New("user is already banned")
	ErrNotBanned           = errors.New("user is not banned")
	ErrNotMember           = errors.New("user is not a member of this guild")
	ErrAlreadyMuted        = errors.New("user is already muted")
	ErrNotMuted            = errors.New("user is not muted")
	ErrAlreadyVoiceMuted   = errors.New("user is already voice muted")
	ErrNotVoiceMuted       = errors.New("user is not voice muted")
	ErrRoleAlreadyAssigned = errors.New("user already has that role")
	ErrRoleNotAssigned     = errors.New("user doesn't have that role")
	ErrUnknownRole         = errors.New("unknown role")
	ErrUnknownAction       = errors.New("unknown action")
)

// domainErrors are safe to show to the moderator
var domainErrors = []error{
	ErrInvalidPruneDays,
	ErrSelfTarget,
	ErrHierarchy,
	ErrMissingTarget,
	ErrAlreadyBanned,
	ErrNotBanned,
	ErrNotMember,
	ErrAlreadyMuted,
	ErrNotMuted,
	ErrAlreadyVoiceMuted,
	ErrNotVoiceMuted,
	ErrRoleAlreadyAssigned,
	ErrRoleNotAssigned,
	ErrUnknownRole,
}

// IsDomainError reports whether err is a validation failure, as
// opposed to a failed side effect or ledger write
func IsDomainError(err error) bool {
	for _, e := range domainErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// ActionContext describes who is performing an action, where and why
type ActionContext struct {
	GuildID   string
	Moderator *discordgo.User
	Reason    *string
}

func (ac ActionContext) reason() string {
	return stringPointerValue(ac.Reason)
}

// Action is one of [BanAction], [UnbanAction], [KickAction],
// [MuteAction], [UnmuteAction], [VoiceMuteAction] or [RoleUpdateAction]
type Action interface {
	// TargetUser is the user the action applies to
	TargetUser() *discordgo.User
	action()
}

type BanAction struct {
	Target *discordgo.User
	// PruneDays deletes the target's messages from the last 0-7 days
	PruneDays int
}

type UnbanAction struct {
	Target *discordgo.User
}

type KickAction struct {
	Target *discordgo.User
}

// MuteAction denies the target permission to send messages in every
// text channel
type MuteAction struct {
	Target *discordgo.User
}

type UnmuteAction struct {
	Target *discordgo.User
}

// VoiceMuteAction server-mutes (Mute=true) or unmutes the target
type VoiceMuteAction struct {
	Target *discordgo.User
	Mute   bool
}

// RoleUpdateAction adds (Add=true) or removes a role
type RoleUpdateAction struct {
	Target *discordgo.User
	RoleID string
	Add    bool
}

func (a BanAction) TargetUser() *discordgo.User        { return a.Target }
func (a UnbanAction) TargetUser() *discordgo.User      { return a.Target }
func (a KickAction) TargetUser() *discordgo.User       { return a.Target }
func (a MuteAction) TargetUser() *discordgo.User       { return a.Target }
func (a UnmuteAction) TargetUser() *discordgo.User     { return a.Target }
func (a VoiceMuteAction) TargetUser() *discordgo.User  { return a.Target }
func (a RoleUpdateAction) TargetUser() *discordgo.User { return a.Target }

func (BanAction) action()        {}
func (UnbanAction) action()      {}
func (KickAction) action()       {}
func (MuteAction) action()       {}
func (UnmuteAction) action()     {}
func (VoiceMuteAction) action()  {}
func (RoleUpdateAction) action() {}

// BestEffortFailure is a failed step that didn't abort the action,
// such as an undeliverable DM
type BestEffortFailure struct {
	Step string
	Err  error
}

func (b BestEffortFailure) Error() string {
	return fmt.Sprintf("%s: %s", b.Step, b.Err)
}

// ActionResult is the outcome of a successful action. Exactly one of
// Case and Notice is set.
type ActionResult struct {
	Case       *ModCase
	Notice     *ModLogNotice
	BestEffort []BestEffortFailure
}

func (r *ActionResult) addFailure(step string, err error) {
	r.BestEffort = append(r.BestEffort, BestEffortFailure{Step: step, Err: err})
}

// Executor performs moderation actions
type Executor interface {
	Ban(ctx context.Context, ac ActionContext, a BanAction) (*ActionResult, error)
	Unban(ctx context.Context, ac ActionContext, a UnbanAction) (*ActionResult, error)
	Kick(ctx context.Context, ac ActionContext, a KickAction) (*ActionResult, error)
	Mute(ctx context.Context, ac ActionContext, a MuteAction) (*ActionResult, error)
	Unmute(ctx context.Context, ac ActionContext, a UnmuteAction) (*ActionResult, error)
	VoiceMute(ctx context.Context, ac ActionContext, a VoiceMuteAction) (*ActionResult, error)
	UpdateRole(ctx context.Context, ac ActionContext, a RoleUpdateAction) (*ActionResult, error)
}

// Execute dispatches a to the matching [Executor] method
func Execute(ctx context.Context, e Executor, ac ActionContext, a Action) (*ActionResult, error) {
	if a == nil || a.TargetUser() == nil || a.TargetUser().ID == "" {
		return nil, ErrMissingTarget
	}
	switch act := a.(type) {
	case BanAction:
		return e.Ban(ctx, ac, act)
	case UnbanAction:
		return e.Unban(ctx, ac, act)
	case KickAction:
		return e.Kick(ctx, ac, act)
	case MuteAction:
		return e.Mute(ctx, ac, act)
	case UnmuteAction:
		return e.Unmute(ctx, ac, act)
	case VoiceMuteAction:
		return e.VoiceMute(ctx, ac, act)
	case RoleUpdateAction:
		return e.UpdateRole(ctx, ac, act)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
}
