package collection

import "encoding/json"

// Kind discriminates the two item shapes a tree node can take. The
// compiler dispatches on this tag rather than conflating folder and
// request nodes (spec.md §9: "do not conflate folder-script nodes with
// request-script nodes at the DAG level").
type Kind string

const (
	KindFolder  Kind = "folder"
	KindRequest Kind = "request"
)

// Item is a tagged variant of Folder | Request. Both carry the shared
// identity/ordering fields; Folder and Request hold the kind-specific
// payload and are nil for the kind that doesn't apply.
type Item struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Kind      Kind     `json:"-" yaml:"-"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`

	Folder  *FolderData  `json:"-" yaml:"-"`
	Request *RequestData `json:"-" yaml:"-"`
}

// FolderData holds the payload specific to a folder item: its scripts
// and nested children.
type FolderData struct {
	Auth       *Auth                `json:"auth,omitempty" yaml:"auth,omitempty"`
	Variables  map[string]Variable  `json:"variables,omitempty" yaml:"variables,omitempty"`
	PreScript  string               `json:"folderPreScript,omitempty" yaml:"folderPreScript,omitempty"`
	PostScript string               `json:"folderPostScript,omitempty" yaml:"folderPostScript,omitempty"`
	Items      []Item               `json:"items" yaml:"items"`
}

// ProtocolScript is a named hook a protocol plugin fires during the I/O
// phase, e.g. {event: "onMessage", script: "..."} for a WebSocket or SSE
// plugin.
type ProtocolScript struct {
	Event  string `json:"event" yaml:"event"`
	Script string `json:"script" yaml:"script"`
}

// RequestData holds the payload specific to a request item.
type RequestData struct {
	Auth        *Auth             `json:"auth,omitempty" yaml:"auth,omitempty"`
	Data        json.RawMessage   `json:"data" yaml:"data"`
	PreScript   string            `json:"preRequestScript,omitempty" yaml:"preRequestScript,omitempty"`
	PostScript  string            `json:"postRequestScript,omitempty" yaml:"postRequestScript,omitempty"`
	Events      []ProtocolScript  `json:"events,omitempty" yaml:"events,omitempty"`
}

// rawItem mirrors Item's wire shape so we can sniff whether "items" is
// present (a folder) before deciding which payload to decode into.
type rawItem struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	DependsOn []string            `json:"dependsOn,omitempty"`
	Condition string              `json:"condition,omitempty"`
	Items     []json.RawMessage   `json:"items"`
	Auth      *Auth               `json:"auth,omitempty"`
	Variables map[string]Variable `json:"variables,omitempty"`

	FolderPreScript  string `json:"folderPreScript,omitempty"`
	FolderPostScript string `json:"folderPostScript,omitempty"`

	Data             json.RawMessage  `json:"data"`
	PreRequestScript string           `json:"preRequestScript,omitempty"`
	PostRequestScript string          `json:"postRequestScript,omitempty"`
	Events           []ProtocolScript `json:"events,omitempty"`
}

// UnmarshalJSON classifies the item as folder or request by presence of
// "items" (folder) vs. "data" (request), per spec.md §3.1.
func (it *Item) UnmarshalJSON(b []byte) error {
	var raw rawItem
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	it.ID = raw.ID
	it.Name = raw.Name
	it.DependsOn = raw.DependsOn
	it.Condition = raw.Condition

	if raw.Items != nil {
		it.Kind = KindFolder
		children := make([]Item, 0, len(raw.Items))
		for _, c := range raw.Items {
			var child Item
			if err := json.Unmarshal(c, &child); err != nil {
				return err
			}
			children = append(children, child)
		}
		it.Folder = &FolderData{
			Auth:       raw.Auth,
			Variables:  raw.Variables,
			PreScript:  raw.FolderPreScript,
			PostScript: raw.FolderPostScript,
			Items:      children,
		}
		return nil
	}

	it.Kind = KindRequest
	it.Request = &RequestData{
		Auth:       raw.Auth,
		Data:       raw.Data,
		PreScript:  raw.PreRequestScript,
		PostScript: raw.PostRequestScript,
		Events:     raw.Events,
	}
	return nil
}

// MarshalJSON re-flattens the tagged variant back to the wire shape so
// Collection round-trips through JSON without information loss.
func (it Item) MarshalJSON() ([]byte, error) {
	switch it.Kind {
	case KindFolder:
		raw := rawItem{
			ID:        it.ID,
			Name:      it.Name,
			DependsOn: it.DependsOn,
			Condition: it.Condition,
		}
		if it.Folder != nil {
			raw.Auth = it.Folder.Auth
			raw.Variables = it.Folder.Variables
			raw.FolderPreScript = it.Folder.PreScript
			raw.FolderPostScript = it.Folder.PostScript
			raw.Items = make([]json.RawMessage, 0, len(it.Folder.Items))
			for _, c := range it.Folder.Items {
				b, err := json.Marshal(c)
				if err != nil {
					return nil, err
				}
				raw.Items = append(raw.Items, b)
			}
		}
		return json.Marshal(raw)
	default:
		raw := rawItem{
			ID:        it.ID,
			Name:      it.Name,
			DependsOn: it.DependsOn,
			Condition: it.Condition,
		}
		if it.Request != nil {
			raw.Auth = it.Request.Auth
			raw.Data = it.Request.Data
			raw.PreRequestScript = it.Request.PreScript
			raw.PostRequestScript = it.Request.PostScript
			raw.Events = it.Request.Events
		}
		return json.Marshal(raw)
	}
}

// Path returns the item's display path used as the Task Graph node and
// Envelope path: "folder:/A/B" or "request:/A/Get User".
func (it Item) Path(parent string) string {
	full := "/" + it.Name
	if parent != "" {
		full = "/" + parent + "/" + it.Name
	}
	if it.Kind == KindFolder {
		return "folder:" + full
	}
	return "request:" + full
}
