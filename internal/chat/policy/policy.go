// Package policy decides who may post into which channel.
//
// The decision is a declarative rule table evaluated by a small interpreter.
// Archived channels reject every post before the table is consulted; after
// that a post is allowed when any rule for the channel's type matches the
// user's role and its predicate holds. Unknown roles and missing department
// data never match.
package policy

import (
	"fmt"
	"slices"

	"github.com/louisbranch/switchboard/internal/chat"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

// OtherChannelTypes selects rules applied to channel types outside the known set.
const OtherChannelTypes chat.ChannelType = "*"

// Subject is the input every predicate sees.
type Subject struct {
	User      chat.User
	Channel   chat.Channel
	Recipient *chat.Member
}

// Predicate narrows a rule beyond its role set.
type Predicate func(Subject) bool

// Rule grants posting for one channel type.
type Rule struct {
	// Name identifies the rule in decisions and logs.
	Name        string
	ChannelType chat.ChannelType
	// Roles limits the rule to these roles; empty means any known role.
	Roles []chat.Role
	// Predicate, when set, must also hold.
	Predicate Predicate
}

func (r Rule) appliesTo(role chat.Role) bool {
	if !role.Valid() {
		return false
	}
	return len(r.Roles) == 0 || slices.Contains(r.Roles, role)
}

var topAuthority = []chat.Role{chat.RoleExecutive, chat.RoleMainPMO, chat.RoleAdmin}

var rules = []Rule{
	{Name: "general.top_authority", ChannelType: chat.ChannelGeneral, Roles: topAuthority},

	{Name: "department.own_director", ChannelType: chat.ChannelDepartment, Roles: []chat.Role{chat.RoleDepartmentDirector}, Predicate: directsChannelDepartment},
	{Name: "department.admin", ChannelType: chat.ChannelDepartment, Roles: []chat.Role{chat.RoleAdmin}},

	{Name: "direct.top_authority", ChannelType: chat.ChannelDirect, Roles: topAuthority},
	{Name: "direct.director_to_senior", ChannelType: chat.ChannelDirect, Roles: []chat.Role{chat.RoleDepartmentDirector}, Predicate: recipientIsSenior},
	{Name: "direct.same_department", ChannelType: chat.ChannelDirect, Predicate: recipientSharesDepartment},

	{Name: "project.team", ChannelType: chat.ChannelProject, Predicate: onProjectTeam},
	{Name: "project.admin", ChannelType: chat.ChannelProject, Roles: []chat.Role{chat.RoleAdmin}},

	{Name: "other.admin", ChannelType: OtherChannelTypes, Roles: []chat.Role{chat.RoleAdmin}},
}

// Rules returns a copy of the rule table in evaluation order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	for i, rule := range rules {
		rule.Roles = slices.Clone(rule.Roles)
		out[i] = rule
	}
	return out
}

// Decision is the outcome of evaluating the table.
type Decision struct {
	Allowed bool
	// Rule names the granting rule, or the reason for denial.
	Rule string
}

// Decide evaluates the rule table for a post by user into channel.
// recipient is the other member of a direct channel and may be nil.
func Decide(user chat.User, channel chat.Channel, recipient *chat.Member) Decision {
	if channel.Archived {
		return Decision{Rule: "archived"}
	}
	subject := Subject{User: user, Channel: channel, Recipient: recipient}
	channelType := channel.Type
	if !channelType.Known() {
		channelType = OtherChannelTypes
	}
	for _, rule := range rules {
		if rule.ChannelType != channelType || !rule.appliesTo(user.Role) {
			continue
		}
		if rule.Predicate == nil || rule.Predicate(subject) {
			return Decision{Allowed: true, Rule: rule.Name}
		}
	}
	return Decision{Rule: "no_rule"}
}

// CanPost reports whether user may post into channel.
func CanPost(user chat.User, channel chat.Channel, recipient *chat.Member) bool {
	return Decide(user, channel, recipient).Allowed
}

// CheckPost returns a permission error when user may not post into channel.
func CheckPost(user chat.User, channel chat.Channel, recipient *chat.Member) error {
	decision := Decide(user, channel, recipient)
	if decision.Allowed {
		return nil
	}
	return apperrors.WithMetadata(
		apperrors.CodePermissionDenied,
		fmt.Sprintf("role %s may not post to %s channel %s", user.Role, channel.Type, channel.ID),
		map[string]string{"ChannelID": channel.ID, "Role": user.Role.String(), "Reason": decision.Rule},
	)
}

// ResolveRecipient returns the member on the other side of a direct channel,
// or nil when it cannot be determined.
func ResolveRecipient(user chat.User, channel chat.Channel, members []chat.Member) *chat.Member {
	if channel.Type != chat.ChannelDirect {
		return nil
	}
	if otherID, ok := channel.OtherMember(user.ID); ok {
		for i := range members {
			if members[i].UserID == otherID {
				member := members[i]
				return &member
			}
		}
		return nil
	}
	if len(channel.MemberIDs) == 0 && len(members) == 2 {
		for i := range members {
			if members[i].UserID != user.ID {
				member := members[i]
				return &member
			}
		}
	}
	return nil
}

func directsChannelDepartment(s Subject) bool {
	return chat.SameDepartment(s.User.DepartmentID, s.Channel.DepartmentID)
}

func recipientIsSenior(s Subject) bool {
	if s.Recipient == nil {
		return false
	}
	switch s.Recipient.Role {
	case chat.RoleDepartmentDirector, chat.RoleMainPMO, chat.RoleExecutive:
		return true
	}
	return recipientSharesDepartment(s)
}

func recipientSharesDepartment(s Subject) bool {
	return s.Recipient != nil && chat.SameDepartment(s.User.DepartmentID, s.Recipient.DepartmentID)
}

func onProjectTeam(s Subject) bool {
	return s.Channel.Project.Includes(s.User.ID)
}
