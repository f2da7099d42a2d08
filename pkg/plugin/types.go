package plugin

import (
	"context"
)

// MetaOptions carries host-level plugin behavior flags
type MetaOptions struct {
	// FailSafe downgrades a start-time failure from error to warning so an
	// optional plugin cannot abort startup
	FailSafe bool
}

// PluginData describes one hosted plugin. It is built once at instance start
// from host configuration and never exported outside the instance; the
// options bag is opaque to the host and may carry secrets.
type PluginData struct {
	Name    string
	Root    string // root of this plugin's own build output
	Options map[string]any
	Meta    MetaOptions
}

// NewData creates plugin data from host configuration
func NewData(name, root string, options map[string]any, failSafe bool) *PluginData {
	return &PluginData{
		Name:    name,
		Root:    root,
		Options: options,
		Meta:    MetaOptions{FailSafe: failSafe},
	}
}

// Result is a normalized handler return value. Content carries a plain text
// reply; Data carries a structured payload passed through unchanged.
type Result struct {
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Empty reports whether the handler produced nothing to reply with
func (r Result) Empty() bool {
	return r.Content == "" && len(r.Data) == 0
}

// InvokeFunc is a live, invocable handler reference
type InvokeFunc func(ctx context.Context, payload map[string]any) (Result, error)

// Handler is one resolved manifest entry. Owned exclusively by one runtime
// instance and discarded wholesale on restart.
type Handler struct {
	Invoke InvokeFunc
	Path   string
	Plugin *PluginData // nil for project-level handlers
	Auto   bool
}

// OwnerName names the handler's owning plugin for log attribution
func (h *Handler) OwnerName() string {
	if h.Plugin == nil {
		return "project"
	}
	return h.Plugin.Name
}

// CommandHandler pairs a handler with its command table metadata
type CommandHandler struct {
	Handler
	Name    string
	Defer   bool
	NoReply bool
}

// CommandTable maps command names to their single handler
type CommandTable map[string]*CommandHandler

// EventTable maps event names to their ordered handler lists
type EventTable map[string][]*Handler
