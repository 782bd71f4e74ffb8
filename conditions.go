package guard

import (
	"fmt"
	"strings"
)

// CheckCondition evaluates one grant condition against a concrete resource
// snapshot.
//
//   - own_only: the resource's creator OR assignee equals the actor (the
//     union; either relation qualifies).
//   - team_only: the resource's team id is one of the actor's team ids,
//     as supplied by the caller in Actor.Teams.
//   - none: true unconditionally.
//
// Unknown condition keys fail closed.
func CheckCondition(cond Condition, actor *Actor, res *Resource) bool {
	switch cond {
	case CondNone, "":
		return true
	case CondOwnOnly:
		if actor == nil || res == nil {
			return false
		}
		if res.CreatorID != "" && res.CreatorID == actor.ID {
			return true
		}
		return res.AssigneeID != "" && res.AssigneeID == actor.ID
	case CondTeamOnly:
		if actor == nil || res == nil || res.TeamID == "" {
			return false
		}
		for _, t := range actor.Teams {
			if t == res.TeamID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ParseCondition parses a condition keyword from config or admin input into
// the native Condition. It accepts the canonical keywords plus a few spellings
// that show up in hand-written YAML, and rejects everything else so a bad key
// can never reach the evaluation path.
func ParseCondition(s string) (Condition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "always":
		return CondNone, nil
	case "own_only", "own", "owned":
		return CondOwnOnly, nil
	case "team_only", "team":
		return CondTeamOnly, nil
	default:
		return "", fmt.Errorf("unknown condition %q", s)
	}
}
