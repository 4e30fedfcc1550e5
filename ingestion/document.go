// Package ingestion implements workflow submission (spec §4.8): document
// validation, batch expansion, and seeding the initial ready set. Grounded
// on the teacher's dsl/registry.go validation style (struct-tag validation
// via github.com/go-playground/validator/v10 followed by semantic checks
// the tag language cannot express).
package ingestion

import (
	"encoding/json"
	"time"

	"github.com/gleitzeit-dev/gleitzeit/task"
)

// Document is the top-level submit_workflow payload (spec §6.1).
type Document struct {
	Name        string              `json:"name" validate:"required"`
	Description string              `json:"description"`
	Failure     task.FailureStrategy `json:"failure,omitempty"`
	Tasks       []TaskDoc           `json:"tasks" validate:"required,min=1,dive"`

	// Batch, when set, expands into additional TaskDocs at ingestion time
	// (SPEC_FULL §4.8) by reading Batch.Directory for files
	// matching Batch.Pattern and materializing one task per match from
	// Batch.Template.
	Batch *BatchSpec `json:"batch,omitempty"`
}

// TaskDoc is one task within a submitted Document (spec §6.1).
type TaskDoc struct {
	ID           string              `json:"id" validate:"required"`
	Name         string              `json:"name"`
	Protocol     string              `json:"protocol" validate:"required"`
	Method       string              `json:"method" validate:"required"`
	Params       json.RawMessage     `json:"params,omitempty"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Priority     string              `json:"priority,omitempty" validate:"omitempty,oneof=urgent high normal low"`
	Timeout      time.Duration       `json:"timeout,omitempty"`
	Retry        *RetryPolicyDoc     `json:"retry,omitempty"`
}

// RetryPolicyDoc is the document form of task.RetryPolicy (spec §6.1).
type RetryPolicyDoc struct {
	MaxAttempts int    `json:"max_attempts" validate:"required,min=1"`
	Strategy    string `json:"strategy" validate:"required,oneof=fixed linear exponential"`
	BaseDelay   time.Duration `json:"base_delay" validate:"required,gt=0"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
	Jitter      bool   `json:"jitter,omitempty"`
	RetryOn     []string `json:"retry_on,omitempty"`
}

// ToPolicy converts the document form to the runtime task.RetryPolicy.
func (d *RetryPolicyDoc) ToPolicy() task.RetryPolicy {
	return task.RetryPolicy{
		MaxAttempts: d.MaxAttempts,
		Strategy:    task.RetryStrategy(d.Strategy),
		BaseDelay:   d.BaseDelay,
		MaxDelay:    d.MaxDelay,
		Jitter:      d.Jitter,
		RetryOn:     d.RetryOn,
	}
}

// BatchSpec describes a batch expansion: one task is materialized per file
// matching Pattern under Directory, with TaskIDPrefix+basename as the task
// id and Template.Params.file substituted with the matched path.
type BatchSpec struct {
	Directory     string `json:"directory" validate:"required"`
	Pattern       string `json:"pattern" validate:"required"`
	TaskIDPrefix  string `json:"task_id_prefix"`
	Template      TaskDoc `json:"template" validate:"required"`
}
