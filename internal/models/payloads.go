package models

import "encoding/json"

// TaskCreate is the body of an Asana task creation
type TaskCreate struct {
	Name      string   `json:"name"`
	HTMLNotes string   `json:"html_notes,omitempty"`
	Assignee  string   `json:"assignee,omitempty"`
	DueOn     string   `json:"due_on,omitempty"`
	Completed bool     `json:"completed"`
	Workspace string   `json:"workspace,omitempty"`
	Projects  []string `json:"projects,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// TaskUpdate is the body of an Asana task update. Nil fields are left
// untouched; ClearAssignee sends an explicit null assignee.
type TaskUpdate struct {
	Name          *string
	HTMLNotes     *string
	Assignee      *string
	ClearAssignee bool
	Completed     *bool
}

// Empty reports whether the update carries no changes
func (u *TaskUpdate) Empty() bool {
	return u.Name == nil && u.HTMLNotes == nil && u.Assignee == nil && !u.ClearAssignee && u.Completed == nil
}

// MarshalJSON emits only the fields being changed
func (u TaskUpdate) MarshalJSON() ([]byte, error) {
	body := make(map[string]any)
	if u.Name != nil {
		body["name"] = *u.Name
	}
	if u.HTMLNotes != nil {
		body["html_notes"] = *u.HTMLNotes
	}
	if u.ClearAssignee {
		body["assignee"] = nil
	} else if u.Assignee != nil {
		body["assignee"] = *u.Assignee
	}
	if u.Completed != nil {
		body["completed"] = *u.Completed
	}
	return json.Marshal(body)
}
