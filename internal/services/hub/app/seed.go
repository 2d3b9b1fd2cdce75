package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/switchboard/internal/chat"
)

// Seed is the initial dev hub state.
type Seed struct {
	Users    []chat.User    `json:"users"`
	Channels []chat.Channel `json:"channels"`
	Messages []chat.Message `json:"messages,omitempty"`
}

// LoadSeed reads a JSON seed file.
func LoadSeed(path string) (Seed, error) {
	if strings.TrimSpace(path) == "" {
		return Seed{}, fmt.Errorf("seed path is required")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed %s: %w", path, err)
	}
	for _, channel := range seed.Channels {
		if err := channel.Validate(); err != nil {
			return Seed{}, fmt.Errorf("seed channel %q: %w", channel.ID, err)
		}
	}
	return seed, nil
}

// DefaultSeed is a small organization covering every role and channel type.
func DefaultSeed() Seed {
	return Seed{
		Users: []chat.User{
			{ID: "ceo", Role: chat.RoleExecutive, Active: true},
			{ID: "pmo", Role: chat.RoleMainPMO, Active: true},
			{ID: "admin", Role: chat.RoleAdmin, Active: true},
			{ID: "dir-eng", Role: chat.RoleDepartmentDirector, DepartmentID: "eng", Active: true},
			{ID: "dir-sales", Role: chat.RoleDepartmentDirector, DepartmentID: "sales", Active: true},
			{ID: "pm-eng", Role: chat.RoleProjectManager, DepartmentID: "eng", Active: true},
			{ID: "emp-eng", Role: chat.RoleEmployee, DepartmentID: "eng", Active: true},
			{ID: "emp-sales", Role: chat.RoleEmployee, DepartmentID: "sales", Active: true},
		},
		Channels: []chat.Channel{
			{ID: "general", Name: "General", Type: chat.ChannelGeneral},
			{ID: "dept-eng", Name: "Engineering", Type: chat.ChannelDepartment, DepartmentID: "eng"},
			{ID: "dept-sales", Name: "Sales", Type: chat.ChannelDepartment, DepartmentID: "sales"},
			{
				ID:   "proj-launch",
				Name: "Launch",
				Type: chat.ChannelProject,
				Project: &chat.ProjectLink{
					ProjectID:     "launch",
					ManagerID:     "pm-eng",
					TeamMemberIDs: []string{"emp-eng"},
				},
			},
			{ID: "dm-directors", Name: "Directors", Type: chat.ChannelDirect, MemberIDs: []string{"dir-eng", "dir-sales"}},
		},
	}
}
