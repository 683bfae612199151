package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a node.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further generation transition can happen
// without an explicit regeneration.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// MessageRole identifies the speaker of a message in the generation context.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of the ancestry context handed to the generator.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Request is the immutable input of a node.
type Request struct {
	Prompt     string          `json:"prompt"`
	Model      string          `json:"model"`
	Messages   []Message       `json:"messages,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Response is the mutable output of a node.
type Response struct {
	TextMarkdown string            `json:"text_markdown"`
	FinishReason string            `json:"finish_reason,omitempty"`
	History      []ResponseVersion `json:"history,omitempty"`
}

// ResponseVersion is an archived response kept when regenerating with history.
type ResponseVersion struct {
	TextMarkdown string    `json:"text_markdown"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        Usage     `json:"usage"`
	Status       Status    `json:"status"`
	ArchivedAt   time.Time `json:"archived_at"`
}

// SpawnedFrom records where a branch was cut from its parent. Unresolved is
// set when the anchor could not be located and the caller chose to keep the
// branch anyway.
type SpawnedFrom struct {
	NodeID     string      `json:"node_id"`
	Anchor     *TextAnchor `json:"anchor,omitempty"`
	Range      *Range      `json:"range,omitempty"`
	Unresolved bool        `json:"unresolved,omitempty"`
}

// Usage holds token accounting reported by the generator.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NodeError is the recorded failure of a failed or cancelled node.
type NodeError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Well-known NodeError codes.
const (
	ErrCodeInterrupted = "generation_interrupted"
	ErrCodeCancelled   = "cancelled"
	ErrCodeExhausted   = "retries_exhausted"
	ErrCodeFatal       = "generation_fatal"
)

// Node is a single exchange in a conversation graph.
type Node struct {
	ID          string       `json:"id"`
	GraphID     string       `json:"graph_id"`
	ParentID    string       `json:"parent_id,omitempty"`
	Depth       int          `json:"depth"`
	Version     int64        `json:"version"`
	Status      Status       `json:"status"`
	Request     Request      `json:"request"`
	Response    Response     `json:"response"`
	SpawnedFrom *SpawnedFrom `json:"spawned_from,omitempty"`
	Usage       Usage        `json:"usage"`
	Error       *NodeError   `json:"error,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	Starred     bool         `json:"starred"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// Clone returns a deep copy so callers can mutate freely.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Request.Messages = append([]Message(nil), n.Request.Messages...)
	if n.Request.Parameters != nil {
		c.Request.Parameters = append(json.RawMessage(nil), n.Request.Parameters...)
	}
	c.Response.History = append([]ResponseVersion(nil), n.Response.History...)
	if n.SpawnedFrom != nil {
		sf := *n.SpawnedFrom
		if sf.Anchor != nil {
			a := sf.Anchor.Clone()
			sf.Anchor = &a
		}
		if sf.Range != nil {
			r := *sf.Range
			sf.Range = &r
		}
		c.SpawnedFrom = &sf
	}
	if n.Error != nil {
		e := *n.Error
		c.Error = &e
	}
	c.Tags = append([]string(nil), n.Tags...)
	return &c
}

// NodeUpdate carries user annotation edits. Nil fields mean "don't change".
type NodeUpdate struct {
	Tags    *[]string `json:"tags,omitempty"`
	Notes   *string   `json:"notes,omitempty"`
	Starred *bool     `json:"starred,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u NodeUpdate) IsEmpty() bool {
	return u.Tags == nil && u.Notes == nil && u.Starred == nil
}

// Apply writes the set fields onto n.
func (u NodeUpdate) Apply(n *Node) {
	if u.Tags != nil {
		n.Tags = append([]string(nil), (*u.Tags)...)
	}
	if u.Notes != nil {
		n.Notes = *u.Notes
	}
	if u.Starred != nil {
		n.Starred = *u.Starred
	}
}
