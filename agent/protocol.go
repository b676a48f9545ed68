package main

// Messages from the editor UI.
const (
	msgOpenText   = "open_text"
	msgTextChange = "text_change"
	msgCursor     = "cursor"
	msgTextBlur   = "text_blur"

	msgOpenSelect   = "open_select"
	msgFocus        = "focus"
	msgSelectChange = "select_change"
	msgSelectBlur   = "select_blur"

	msgOpenRecord = "open_record"
	msgRecordEdit = "record_edit"
	msgRecordSave = "record_save"

	msgClose = "close"
)

// Events sent to the editor UI.
const (
	eventTextView   = "text_view"
	eventLockView   = "lock_view"
	eventRecordView = "record_view"
	eventNotice     = "notice"
	eventError      = "error"
)

// uiMessage is the union of every editor request; Type selects which
// fields are meaningful.
type uiMessage struct {
	Type string `json:"type"`

	Room  string `json:"room,omitempty"`
	Doc   string `json:"doc,omitempty"`
	Field string `json:"field,omitempty"`

	Text   string   `json:"text,omitempty"`
	Index  int      `json:"index,omitempty"`
	Length int      `json:"length,omitempty"`
	Values []string `json:"values,omitempty"`
	Multi  bool     `json:"multi,omitempty"`
	// Inside reports that focus moved to an element within the field's
	// own container, such as a dropdown option.
	Inside bool `json:"inside,omitempty"`

	Table string         `json:"table,omitempty"`
	ID    string         `json:"id,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type uiEvent struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	View    any    `json:"view,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}
