package chat

import "testing"

func TestChannelValidate(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		want    error
	}{
		{"general", Channel{ID: "c1", Name: "All hands", Type: ChannelGeneral}, nil},
		{"missing id", Channel{Name: "x", Type: ChannelGeneral}, ErrChannelIDRequired},
		{"missing name", Channel{ID: "c1", Type: ChannelGeneral}, ErrChannelNameRequired},
		{"department without id", Channel{ID: "c1", Name: "Eng", Type: ChannelDepartment}, ErrChannelDepartmentRequired},
		{"department", Channel{ID: "c1", Name: "Eng", Type: ChannelDepartment, DepartmentID: "eng"}, nil},
		{"project without link", Channel{ID: "c1", Name: "Apollo", Type: ChannelProject}, ErrChannelProjectRequired},
		{"project", Channel{ID: "c1", Name: "Apollo", Type: ChannelProject, Project: &ProjectLink{ProjectID: "p1"}}, nil},
		{"direct", Channel{ID: "c1", Type: ChannelDirect, MemberIDs: []string{"a", "b"}}, nil},
		{"direct with one member", Channel{ID: "c1", Type: ChannelDirect, MemberIDs: []string{"a"}}, ErrDirectMembers},
		{"direct with self", Channel{ID: "c1", Type: ChannelDirect, MemberIDs: []string{"a", "a"}}, ErrDirectMembers},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.channel.Validate(); got != tc.want {
				t.Fatalf("Validate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestChannelOtherMember(t *testing.T) {
	direct := Channel{ID: "d", Type: ChannelDirect, MemberIDs: []string{"a", "b"}}
	if other, ok := direct.OtherMember("a"); !ok || other != "b" {
		t.Fatalf("OtherMember(a) = %q, %v", other, ok)
	}
	if other, ok := direct.OtherMember("b"); !ok || other != "a" {
		t.Fatalf("OtherMember(b) = %q, %v", other, ok)
	}
	if _, ok := direct.OtherMember("c"); ok {
		t.Fatal("non-member should not resolve")
	}
	general := Channel{ID: "g", Type: ChannelGeneral, MemberIDs: []string{"a", "b"}}
	if _, ok := general.OtherMember("a"); ok {
		t.Fatal("only direct channels resolve another member")
	}
}

func TestProjectLinkIncludes(t *testing.T) {
	link := &ProjectLink{ProjectID: "p", ManagerID: "pm", TeamMemberIDs: []string{"dev"}}
	if !link.Includes("pm") || !link.Includes("dev") {
		t.Fatal("expected manager and team member to be included")
	}
	if link.Includes("outsider") || link.Includes("") {
		t.Fatal("outsider must not be included")
	}
	var missing *ProjectLink
	if missing.Includes("pm") {
		t.Fatal("nil link includes nobody")
	}
}

func TestChannelCloneIsDeep(t *testing.T) {
	original := Channel{ID: "c", MemberIDs: []string{"a"}, Project: &ProjectLink{TeamMemberIDs: []string{"x"}}}
	clone := original.Clone()
	clone.MemberIDs[0] = "z"
	clone.Project.TeamMemberIDs[0] = "z"
	if original.MemberIDs[0] != "a" || original.Project.TeamMemberIDs[0] != "x" {
		t.Fatal("clone shares state with original")
	}
}
