package tasksync

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	eventPrefix = "event:"
	dataPrefix  = "data:"
)

var (
	errMissingID      = errors.New("missing id")
	errMissingTaskID  = errors.New("missing taskId")
	errMissingComment = errors.New("missing comment")
)

// parseFrame extracts the event type and payload from one frame. It accepts
// the named form (event: + data: lines) and the enveloped form (a data: line
// whose JSON carries its own "type" and optional nested "data"). The bool is
// false when the frame carries nothing usable, which is how keep-alive
// comments end up being ignored.
func parseFrame(frame string) (Envelope, bool) {
	name, raw, ok := splitFrame(frame)
	if !ok || !gjson.ValidBytes(raw) {
		return Envelope{}, false
	}
	if name != "" {
		return Envelope{Type: EventType(name), Payload: json.RawMessage(raw)}, true
	}
	return parseEnvelope(raw)
}

// splitFrame returns the event name (empty for the enveloped form) and the
// joined data lines. ok is false when the frame has no data line.
func splitFrame(frame string) (name string, raw []byte, ok bool) {
	var data []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, eventPrefix):
			name = strings.TrimSpace(line[len(eventPrefix):])
		case strings.HasPrefix(line, dataPrefix):
			data = append(data, strings.TrimSpace(line[len(dataPrefix):]))
			ok = true
		}
	}
	if !ok {
		return "", nil, false
	}
	return name, []byte(strings.Join(data, "\n")), true
}

// parseEnvelope reads the enveloped form {"type": ..., "data": ...}. Without
// a non-null "data" the whole document is the payload.
func parseEnvelope(raw []byte) (Envelope, bool) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, false
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Envelope{}, false
	}
	typ := doc.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Envelope{}, false
	}
	env := Envelope{Type: EventType(typ.Str), Payload: json.RawMessage(raw)}
	if nested := doc.Get("data"); nested.Exists() && nested.Type != gjson.Null {
		env.Payload = json.RawMessage(nested.Raw)
	}
	return env, true
}

// decodeEvent performs the second decode phase: the envelope's tag selects
// the payload schema. Unknown tags return (nil, nil).
func decodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case EventTaskCreated, EventTaskUpdated:
		var task Task
		if err := decodePayload(env, &task); err != nil {
			return nil, err
		}
		if task.ID == "" {
			return nil, &DecodeError{Type: env.Type, Err: errMissingID}
		}
		task.normalize()
		if env.Type == EventTaskCreated {
			return TaskCreated{Task: task}, nil
		}
		return TaskUpdated{Task: task}, nil

	case EventListCreated, EventListUpdated:
		var list TaskList
		if err := decodePayload(env, &list); err != nil {
			return nil, err
		}
		if list.ID == "" {
			return nil, &DecodeError{Type: env.Type, Err: errMissingID}
		}
		list.normalize()
		if env.Type == EventListCreated {
			return ListCreated{List: list}, nil
		}
		return ListUpdated{List: list}, nil

	case EventTaskDeleted, EventListDeleted:
		var p struct {
			ID string `json:"id"`
		}
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, &DecodeError{Type: env.Type, Err: errMissingID}
		}
		if env.Type == EventTaskDeleted {
			return TaskDeleted{ID: p.ID}, nil
		}
		return ListDeleted{ID: p.ID}, nil

	case EventCommentAdded, EventCommentCreated, EventCommentUpdated:
		var p struct {
			TaskID  string   `json:"taskId"`
			Comment *Comment `json:"comment"`
		}
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		switch {
		case p.TaskID == "":
			return nil, &DecodeError{Type: env.Type, Err: errMissingTaskID}
		case p.Comment == nil:
			return nil, &DecodeError{Type: env.Type, Err: errMissingComment}
		case p.Comment.ID == "":
			return nil, &DecodeError{Type: env.Type, Err: errMissingID}
		}
		p.Comment.normalize()
		if env.Type == EventCommentUpdated {
			return CommentUpdated{TaskID: p.TaskID, Comment: *p.Comment}, nil
		}
		return CommentAdded{TaskID: p.TaskID, Comment: *p.Comment}, nil

	case EventCommentDeleted:
		var p struct {
			TaskID    string `json:"taskId"`
			CommentID string `json:"commentId"`
		}
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.TaskID == "" {
			return nil, &DecodeError{Type: env.Type, Err: errMissingTaskID}
		}
		if p.CommentID == "" {
			return nil, &DecodeError{Type: env.Type, Err: errMissingID}
		}
		return CommentDeleted{TaskID: p.TaskID, CommentID: p.CommentID}, nil

	case EventMyTasksPreferencesUpdated:
		var prefs MyTasksPreferences
		if err := decodePayload(env, &prefs); err != nil {
			return nil, err
		}
		return MyTasksPreferencesUpdated{Preferences: prefs}, nil

	case EventUserSettingsUpdated:
		var settings UserSettings
		if err := decodePayload(env, &settings); err != nil {
			return nil, err
		}
		return UserSettingsUpdated{Settings: settings}, nil

	case EventConnected, EventPing:
		return KeepAlive{Type: env.Type}, nil
	}
	return nil, nil
}

func decodePayload(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return &DecodeError{Type: env.Type, Err: err}
	}
	return nil
}

// ============================================================================
// Decoder
// ============================================================================

// decoder wraps both phases and owns the logging for dropped frames. Nothing
// it sees can stop the stream.
type decoder struct {
	log zerolog.Logger
}

func newDecoder(log zerolog.Logger) *decoder {
	return &decoder{log: log.With().Str("component", "decoder").Logger()}
}

// Decode returns the event carried by frame, or ok=false when the frame is
// dropped (unusable, keep-alive, unknown type or undecodable payload).
func (d *decoder) Decode(frame string) (Event, bool) {
	env, ok := parseFrame(frame)
	if !ok {
		if _, raw, hasData := splitFrame(frame); hasData && !gjson.ValidBytes(raw) {
			d.log.Debug().Int("bytes", len(raw)).Msg("dropping frame with invalid JSON")
		}
		return nil, false
	}
	if !env.Type.Known() {
		d.log.Warn().Str("type", string(env.Type)).Msg("dropping unknown event type")
		return nil, false
	}
	ev, err := decodeEvent(env)
	if err != nil {
		d.log.Warn().Err(err).Str("type", string(env.Type)).Msg("dropping undecodable event")
		return nil, false
	}
	switch ev := ev.(type) {
	case nil, KeepAlive:
		return nil, false
	default:
		return ev, true
	}
}
