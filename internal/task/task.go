// Package task defines the task entity kept in a user's task document.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/tasksync/internal/docstore"
)

// Field is the document field holding the task array.
const Field = "tasks"

// IDField is the element key that identifies a task.
const IDField = "id"

// DateLayout is the calendar-date form of DueDate.
const DateLayout = "2006-01-02"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid task")

// Task is one entry of the user's task list.
//
// The JSON names match the stored array elements. Every element is written
// with all five keys so value-equality removal sees a stable shape.
type Task struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Description string `json:"description" yaml:"description" toml:"description"`
	DueDate     string `json:"dueDate" yaml:"dueDate,omitempty" toml:"dueDate,omitempty"`
	Notes       string `json:"notes" yaml:"notes,omitempty" toml:"notes,omitempty"`
	Completed   bool   `json:"completed" yaml:"completed" toml:"completed"`
}

// Draft is the user input for a new task.
type Draft struct {
	Description string
	DueDate     string
	Notes       string
}

// Fields are the user-editable fields of an existing task.
type Fields struct {
	Description string
	DueDate     string
	Notes       string
}

// NewID mints a task id. Ids are generated on the client, never by the store.
var NewID = func() string {
	return uuid.NewString()
}

// FromDraft builds an incomplete task with the given id.
func FromDraft(id string, d Draft) Task {
	return Task{
		ID:          id,
		Description: strings.TrimSpace(d.Description),
		DueDate:     strings.TrimSpace(d.DueDate),
		Notes:       d.Notes,
	}
}

// Validate checks field values. Only the description is required.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	return validateFields(t.Description, t.DueDate)
}

// Validate checks the draft before an id is minted.
func (d Draft) Validate() error {
	return validateFields(strings.TrimSpace(d.Description), strings.TrimSpace(d.DueDate))
}

// Validate checks edited fields.
func (f Fields) Validate() error {
	return validateFields(strings.TrimSpace(f.Description), strings.TrimSpace(f.DueDate))
}

func validateFields(description, dueDate string) error {
	if description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalid)
	}
	if dueDate != "" {
		if _, err := time.Parse(DateLayout, dueDate); err != nil {
			return fmt.Errorf("%w: due date %q is not a calendar date (YYYY-MM-DD)", ErrInvalid, dueDate)
		}
	}
	return nil
}

// Apply returns t with the edited fields. Completion is reset unless
// keepCompleted is set.
func (t Task) Apply(f Fields, keepCompleted bool) Task {
	out := Task{
		ID:          t.ID,
		Description: strings.TrimSpace(f.Description),
		DueDate:     strings.TrimSpace(f.DueDate),
		Notes:       f.Notes,
	}
	if keepCompleted {
		out.Completed = t.Completed
	}
	return out
}

// Changes returns the element keys an edit sets.
func (f Fields) Changes(completed *bool) map[string]any {
	changes := map[string]any{
		"description": strings.TrimSpace(f.Description),
		"dueDate":     strings.TrimSpace(f.DueDate),
		"notes":       f.Notes,
	}
	if completed != nil {
		changes["completed"] = *completed
	}
	return changes
}

// ToElement converts t into a store array element.
func (t Task) ToElement() docstore.Element {
	return docstore.Element{
		"id":          t.ID,
		"description": t.Description,
		"dueDate":     t.DueDate,
		"notes":       t.Notes,
		"completed":   t.Completed,
	}
}

// FromElement decodes a store array element. Missing keys take their zero
// value, so an element written without "completed" reads as incomplete.
func FromElement(e docstore.Element) (Task, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode element: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("failed to decode task element: %w", err)
	}
	return t, nil
}

// FromElements decodes a whole task array, preserving store order.
func FromElements(elements []docstore.Element) ([]Task, error) {
	tasks := make([]Task, 0, len(elements))
	for i, e := range elements {
		t, err := FromElement(e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ToElements encodes a task array.
func ToElements(tasks []Task) []docstore.Element {
	out := make([]docstore.Element, len(tasks))
	for i, t := range tasks {
		out[i] = t.ToElement()
	}
	return out
}
