// Package dismod implements a Discord moderation bot, which executes
// moderation slash commands and keeps a numbered ledger of punitive
// actions (cases) for each guild.
//
// Cases are recorded whether an action was taken through the bot, or
// directly in Discord (ex: banning from the member list). Actions taken
// through the bot leave a short-lived marker in a [DedupCache], so the
// gateway event Discord sends for the same action doesn't create a
// second case. Actions taken elsewhere are attributed by polling the
// guild's audit log.
//
// Key components of the package include:
//
//   - DisMod: owns the database, discord session and API, and routes
//     gateway events to the components below.
//   - Moderator: validates and executes [Action] values (ban, kick,
//     mute, ...), recording a case for punitive ones.
//   - Reconciler: turns ban/unban and member join/leave events into
//     cases, mod-log notices and welcome messages.
//   - CaseLedger: the append-only, per-guild case store, with
//     gap-free case IDs.
//   - AuditResolver: finds the audit log entry for an external action.
//   - ChannelPublisher: posts cases and notices to the guild's mod-log
//     channel.
//   - API: backend API for setup, runtime config, and reading cases and
//     guild settings.
//
// Supported commands:
//
//   - /ban, /unban, /kick
//   - /mute, /unmute
//   - /voicemute: mutes or unmutes in voice channels
//   - /role: adds or removes a role
//   - /case: looks up a case by ID
package dismod
