package manifest

// Manifest is the build-produced registry of commands, event bindings and
// declared capabilities. It is written once per build and read once per
// instance start; a new build produces a brand-new document.
type Manifest struct {
	Commands    map[string]CommandEntry `json:"commands"`
	Events      map[string][]EventEntry `json:"events"`
	Permissions []string                `json:"permissions,omitempty"`
	Scopes      []string                `json:"scopes,omitempty"`
}

// CommandEntry describes one command and the handler that serves it
type CommandEntry struct {
	Description  string            `json:"description"`
	Path         string            `json:"path"`
	Plugin       string            `json:"plugin,omitempty"` // empty for project-level handlers
	Options      map[string]any    `json:"options,omitempty"`
	Localization map[string]string `json:"localization,omitempty"`
	Defer        bool              `json:"defer,omitempty"`    // enable the deferral buffer for this command
	NoReply      bool              `json:"no_reply,omitempty"` // command intentionally produces no reply
}

// EventEntry binds one handler to an event name. One event name may carry
// handlers from multiple plugins; order within the list is preserved but
// dispatch between siblings is concurrent.
type EventEntry struct {
	Path   string `json:"path"`
	Plugin string `json:"plugin,omitempty"`
	Auto   bool   `json:"auto,omitempty"` // generated binding, suppress per-dispatch log noise
}
