package trigger

import (
	"context"

	"github.com/splax/depwatch/internal/domain"
)

// Kind discriminates trigger messages.
type Kind string

const (
	// KindSynchronizeProject requests a whole project synchronization.
	KindSynchronizeProject Kind = "synchronize_project"
	// KindSynchronizeRepository requests a single repository synchronization,
	// addressed by durable id or by the provider's repository id.
	KindSynchronizeRepository Kind = "synchronize_repository"
	// KindRunUpdate requests one update run.
	KindRunUpdate Kind = "run_update"
	// KindCheckJob requests a job state resolution.
	KindCheckJob Kind = "check_job"
)

// Message is one asynchronous trigger.
type Message struct {
	Kind Kind `json:"kind"`

	ProjectID string `json:"project_id,omitempty"`

	RepositoryID         string `json:"repository_id,omitempty"`
	ProviderRepositoryID string `json:"provider_repository_id,omitempty"`

	// Trigger asks a synchronization to also fire the repository's updates.
	Trigger bool `json:"trigger,omitempty"`

	UpdateIndex int                     `json:"update_index,omitempty"`
	Reason      domain.UpdateJobTrigger `json:"reason,omitempty"`

	JobID string `json:"job_id,omitempty"`
}

// Handler consumes trigger messages. Returned errors are logged by the bus;
// the message is not redelivered.
type Handler func(ctx context.Context, msg Message) error

// Bus delivers trigger messages to subscribed handlers asynchronously.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(handler Handler)
	Close() error
}
