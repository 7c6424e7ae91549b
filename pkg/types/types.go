package types

import "time"

// ContainerStatus is the closed set of outcomes a container run can report.
type ContainerStatus string

const (
	StatusSuccess ContainerStatus = "success"
	StatusError   ContainerStatus = "error"
)

// ContainerInput is the one-shot JSON document written to a container's
// stdin before stdin is closed.
type ContainerInput struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"session_id,omitempty"`
	GroupFolder     string `json:"group_folder"`
	ChatJID         string `json:"chat_jid"`
	IsMain          bool   `json:"is_main"`
	IsScheduledTask bool   `json:"is_scheduled_task,omitempty"`
}

// ContainerOutput is one sentinel-framed JSON blob read off a container's
// stdout. Status is effectively a closed variant: on StatusSuccess, Result
// carries the agent's reply and NewSessionID may be set; on StatusError,
// Error carries the failure reason while Result/NewSessionID may still be
// populated from a prior successful frame (idle timeout).
type ContainerOutput struct {
	Status       ContainerStatus `json:"status"`
	Result       *string         `json:"result"`
	NewSessionID string          `json:"new_session_id,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// IpcMessage is an outbound chat message a container drops into its
// messages/ mailbox.
type IpcMessage struct {
	Text        string    `json:"text"`
	TargetJID   string    `json:"target_jid,omitempty"`
	Sender      string    `json:"sender,omitempty"`
	SourceGroup string    `json:"source_group,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TaskDirectiveType is the closed set of task-control directives a
// container can emit into its tasks/ mailbox.
type TaskDirectiveType string

const (
	TaskScheduleTask TaskDirectiveType = "schedule_task"
	TaskPauseTask    TaskDirectiveType = "pause_task"
	TaskResumeTask   TaskDirectiveType = "resume_task"
	TaskCancelTask   TaskDirectiveType = "cancel_task"
)

// IpcTask is a task-control directive a container drops into its
// tasks/ mailbox.
type IpcTask struct {
	Type        TaskDirectiveType `json:"type"`
	Data        interface{}       `json:"data"`
	SourceGroup string            `json:"source_group,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// IpcInput is a host-to-container message dropped into a container's
// input/ mailbox.
type IpcInput struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Mount describes one user-supplied bind mount for a group's container.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only,omitempty"`
}

// Allowlist is the mount-security policy document: the host roots
// additional mounts must resolve under, plus substrings always rejected
// regardless of root.
type Allowlist struct {
	AllowedRoots    []string `json:"allowed_roots"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty"`
}

// RegisteredGroup is the collaborator-supplied view of a known group.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	TriggerPattern  string
	RequiresTrigger bool

	// IsMain is the explicit signal; see IsMainSet.
	IsMain    bool
	isMainSet bool
}

// SetIsMain records an explicit is_main value, distinguishing "false" from
// "never told us", so callers can fall back to the folder=="main" heuristic
// only when a collaborator genuinely left it unset.
func (g *RegisteredGroup) SetIsMain(v bool) {
	g.IsMain = v
	g.isMainSet = true
}

// IsMainSet reports whether SetIsMain was ever called for this group.
func (g *RegisteredGroup) IsMainSet() bool { return g.isMainSet }

// WorkKind distinguishes the two WorkItem variants.
type WorkKind string

const (
	WorkMessageCheck WorkKind = "message_check"
	WorkTask         WorkKind = "task"
)

// WorkItem is one unit of scheduled work for a group's queue. A
// MessageCheck item resolves via a caller-provided process-messages
// function; a Task item carries its own thunk and is dispatched ahead of
// any pending MessageCheck items.
type WorkItem struct {
	Kind   WorkKind
	TaskID string        // set for WorkTask
	Fn     func() (bool, error) // set for WorkTask

	// Done fires exactly once with the terminal outcome.
	Done chan WorkResult
}

// WorkResult is the terminal outcome of a WorkItem.
type WorkResult struct {
	OK  bool
	Err error
}
