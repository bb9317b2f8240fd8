package store

import "testing"

func TestResolveAssignment(t *testing.T) {
	tests := []struct {
		name       string
		rec        SessionRecord
		wantAgent  string
		wantPaused bool
	}{
		{
			name:       "direct columns win",
			rec:        SessionRecord{AssignedAgent: "a-1", AIPaused: true, UserMeta: map[string]interface{}{"assignedAgent": "a-other"}},
			wantAgent:  "a-1",
			wantPaused: true,
		},
		{
			name:       "userMeta mirror",
			rec:        SessionRecord{UserMeta: map[string]interface{}{"assignedAgent": "a-2", "aiPaused": true}},
			wantAgent:  "a-2",
			wantPaused: true,
		},
		{
			name:       "userMeta agent without aiPaused defaults to paused",
			rec:        SessionRecord{UserMeta: map[string]interface{}{"assignedAgent": "a-3"}},
			wantAgent:  "a-3",
			wantPaused: true,
		},
		{
			name:       "status implies pause with no known agent",
			rec:        SessionRecord{Status: StatusAgentAssigned},
			wantAgent:  "",
			wantPaused: true,
		},
		{
			name:       "unassigned",
			rec:        SessionRecord{Status: StatusActive},
			wantAgent:  "",
			wantPaused: false,
		},
		{
			name:       "empty userMeta agent ignored",
			rec:        SessionRecord{UserMeta: map[string]interface{}{"assignedAgent": ""}},
			wantAgent:  "",
			wantPaused: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, paused := tt.rec.ResolveAssignment()
			if agent != tt.wantAgent || paused != tt.wantPaused {
				t.Errorf("ResolveAssignment() = %q/%v, want %q/%v", agent, paused, tt.wantAgent, tt.wantPaused)
			}
		})
	}
}

func TestMessageAgentID(t *testing.T) {
	m := Message{Metadata: map[string]interface{}{"agentId": "a-7"}}
	if got := m.AgentID(); got != "a-7" {
		t.Errorf("AgentID = %q", got)
	}
	if got := (Message{}).AgentID(); got != "" {
		t.Errorf("AgentID on empty metadata = %q", got)
	}
}
