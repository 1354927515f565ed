package reconciler

import "github.com/kiln-daemon/kiln/internal/ticket"

// ActorCategory classifies an actor against the configured allow-list. The
// zero value, ActorUnknown, is also what an unresolved actor maps to — a
// fail-safe so a classification bug denies rather than grants.
type ActorCategory string

const (
	ActorUnknown ActorCategory = "unknown"
	ActorSelf    ActorCategory = "self"
	ActorTeam    ActorCategory = "team"
	ActorBlocked ActorCategory = "blocked"
)

// categorize fail-safes an empty actor to ActorUnknown before comparing
// against Self and Team, mirroring check_actor_allowed's None → UNKNOWN rule.
func categorize(actor, self string, team []string) ActorCategory {
	if actor == "" {
		return ActorUnknown
	}
	if actor == self {
		return ActorSelf
	}
	for _, t := range team {
		if actor == t {
			return ActorTeam
		}
	}
	return ActorBlocked
}

// authorize implements the authorization gate (§4.1): only the Self actor
// passes. Team members are observed but never authorize an action — they
// exist purely so their activity doesn't get logged as a stranger's.
func (r *Reconciler) authorize(ref ticket.IssueRef, actor, actionType string) bool {
	category := categorize(actor, r.Self, r.Team)
	switch category {
	case ActorSelf:
		r.Logger.Info("authorized", "action_type", actionType, "issue", ref.String(), "actor", actor)
		return true
	case ActorTeam:
		r.Logger.Debug("observing team member, not authorizing", "action_type", actionType, "issue", ref.String(), "actor", actor)
		return false
	case ActorUnknown:
		r.Logger.Warn("blocked: could not determine actor", "action_type", actionType, "issue", ref.String())
		return false
	default:
		r.Logger.Warn("blocked: actor not allowed", "action_type", actionType, "issue", ref.String(), "actor", actor)
		return false
	}
}
