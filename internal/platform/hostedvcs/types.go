package hostedvcs

import "time"

// createRunnerRequest is the body for POST /api/v4/user/runners.
type createRunnerRequest struct {
	RunnerType      string `json:"runner_type"`
	GroupID         int    `json:"group_id,omitempty"`
	ProjectID       int    `json:"project_id,omitempty"`
	Description     string `json:"description,omitempty"`
	Paused          bool   `json:"paused,omitempty"`
	Locked          bool   `json:"locked,omitempty"`
	RunUntagged     bool   `json:"run_untagged,omitempty"`
	TagList         string `json:"tag_list,omitempty"`
	AccessLevel     string `json:"access_level,omitempty"`
	MaximumTimeout  int    `json:"maximum_timeout,omitempty"`
	MaintenanceNote string `json:"maintenance_note,omitempty"`
}

// createRunnerResponse is the response from POST /api/v4/user/runners. The
// token is only returned once and cannot be retrieved again.
type createRunnerResponse struct {
	ID             int        `json:"id"`
	Token          string     `json:"token"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

// runner is a registered runner as reported by GET /api/v4/runners[/:id].
type runner struct {
	ID          int        `json:"id"`
	Description string     `json:"description"`
	Online      bool       `json:"online"`
	Paused      bool       `json:"paused"`
	Status      string     `json:"status"` // "online", "offline", "stale", "never_contacted"
	TagList     []string   `json:"tag_list"`
	ContactedAt *time.Time `json:"contacted_at"`
	CreatedAt   *time.Time `json:"created_at"`
}

// job is a CI job as reported by GET /api/v4/projects/:id/jobs/:job_id.
type job struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

// errorResponse is an error body returned by the GitLab API.
type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
