package chat

import (
	"slices"
	"strings"
	"time"

	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

// ChannelType classifies a channel. Values outside the known set are kept
// as-is so policy can treat them as unknown.
type ChannelType string

const (
	// ChannelGeneral is the organization-wide broadcast channel.
	ChannelGeneral ChannelType = "general"
	// ChannelDepartment is scoped to one department.
	ChannelDepartment ChannelType = "department"
	// ChannelProject is scoped to one project team.
	ChannelProject ChannelType = "project"
	// ChannelDirect is a two-member direct conversation.
	ChannelDirect ChannelType = "direct"
)

// ChannelTypes returns the known channel types in directory category order.
func ChannelTypes() []ChannelType {
	return []ChannelType{ChannelGeneral, ChannelDepartment, ChannelProject, ChannelDirect}
}

// Known reports whether t is one of the known channel types.
func (t ChannelType) Known() bool {
	return slices.Contains(ChannelTypes(), t)
}

var (
	// ErrChannelIDRequired indicates a channel without an id.
	ErrChannelIDRequired = apperrors.New(apperrors.CodeValidation, "channel id is required")
	// ErrChannelNameRequired indicates a non-direct channel without a name.
	ErrChannelNameRequired = apperrors.New(apperrors.CodeValidation, "channel name is required")
	// ErrChannelDepartmentRequired indicates a department channel without a department.
	ErrChannelDepartmentRequired = apperrors.New(apperrors.CodeValidation, "department channel requires a department id")
	// ErrChannelProjectRequired indicates a project channel without project linkage.
	ErrChannelProjectRequired = apperrors.New(apperrors.CodeValidation, "project channel requires a project id")
	// ErrDirectMembers indicates a direct channel without exactly two distinct members.
	ErrDirectMembers = apperrors.New(apperrors.CodeValidation, "direct channel requires exactly two distinct members")
)

// ProjectLink ties a project channel to its team.
type ProjectLink struct {
	ProjectID     string   `json:"project_id"`
	ManagerID     string   `json:"manager_id,omitempty"`
	TeamMemberIDs []string `json:"team_member_ids,omitempty"`
}

// Includes reports whether userID manages or belongs to the project team.
func (p *ProjectLink) Includes(userID string) bool {
	if p == nil || strings.TrimSpace(userID) == "" {
		return false
	}
	if p.ManagerID == userID {
		return true
	}
	return slices.Contains(p.TeamMemberIDs, userID)
}

// Channel is a conversation scope.
type Channel struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          ChannelType  `json:"type"`
	Archived      bool         `json:"archived"`
	DepartmentID  string       `json:"department_id,omitempty"`
	Project       *ProjectLink `json:"project,omitempty"`
	MemberIDs     []string     `json:"member_ids,omitempty"`
	LastMessageAt time.Time    `json:"last_message_at,omitzero"`
	CreatedAt     time.Time    `json:"created_at,omitzero"`
}

// HasMember reports whether userID is listed in the channel's member ids.
func (c Channel) HasMember(userID string) bool {
	return userID != "" && slices.Contains(c.MemberIDs, userID)
}

// OtherMember returns the direct-channel member that is not userID.
func (c Channel) OtherMember(userID string) (string, bool) {
	if c.Type != ChannelDirect || len(c.MemberIDs) != 2 {
		return "", false
	}
	switch userID {
	case c.MemberIDs[0]:
		return c.MemberIDs[1], true
	case c.MemberIDs[1]:
		return c.MemberIDs[0], true
	}
	return "", false
}

// Clone returns a deep copy of the channel.
func (c Channel) Clone() Channel {
	out := c
	out.MemberIDs = slices.Clone(c.MemberIDs)
	if c.Project != nil {
		project := *c.Project
		project.TeamMemberIDs = slices.Clone(c.Project.TeamMemberIDs)
		out.Project = &project
	}
	return out
}

// Validate checks the structural rules for a channel being created.
func (c Channel) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrChannelIDRequired
	}
	switch c.Type {
	case ChannelDirect:
		if len(c.MemberIDs) != 2 || c.MemberIDs[0] == c.MemberIDs[1] ||
			strings.TrimSpace(c.MemberIDs[0]) == "" || strings.TrimSpace(c.MemberIDs[1]) == "" {
			return ErrDirectMembers
		}
		return nil
	case ChannelDepartment:
		if strings.TrimSpace(c.DepartmentID) == "" {
			return ErrChannelDepartmentRequired
		}
	case ChannelProject:
		if c.Project == nil || strings.TrimSpace(c.Project.ProjectID) == "" {
			return ErrChannelProjectRequired
		}
	}
	if strings.TrimSpace(c.Name) == "" {
		return ErrChannelNameRequired
	}
	return nil
}
