package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types handled by the dispatcher
const (
	ServerEventTypeError                         ServerEventType = "error"
	ServerEventTypeSessionCreated                ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                ServerEventType = "session.updated"
	ServerEventTypeInputAudioBufferSpeechStarted ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeOutputAudioBufferStarted      ServerEventType = "output_audio_buffer.started"
	ServerEventTypeOutputAudioBufferStopped      ServerEventType = "output_audio_buffer.stopped"
	ServerEventTypeResponseTextDelta             ServerEventType = "response.text.delta"
	ServerEventTypeResponseAudioDelta            ServerEventType = "response.audio.delta"
	ServerEventTypeResponseAudioDone             ServerEventType = "response.audio.done"
	ServerEventTypeResponseAudioTranscriptDelta  ServerEventType = "response.audio_transcript.delta"
)

// eventAliases maps the newer wire names onto the types above.
var eventAliases = map[ServerEventType]ServerEventType{
	"response.output_text.delta":             ServerEventTypeResponseTextDelta,
	"response.output_audio.delta":            ServerEventTypeResponseAudioDelta,
	"response.output_audio.done":             ServerEventTypeResponseAudioDone,
	"response.output_audio_transcript.delta": ServerEventTypeResponseAudioTranscriptDelta,
}

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeSessionEnd             ClientEventType = "session.end"
)

var ErrUnknownEventType = errors.New("unknown event type")

type Event interface {
	EventType() EventType
	MarshalJSON() ([]byte, error)
	MarshalYAML() ([]byte, error)
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// ServerEvent is one inbound data channel frame.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	// WireType is the type string as received, before alias resolution.
	WireType string
	Param    EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) fields() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	resp := map[string]any{}
	if e.Param != nil {
		for k, v := range e.Param.Json() {
			resp[k] = v
		}
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return resp, nil
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

// UnmarshalJSON decodes a frame. Unknown types wrap ErrUnknownEventType; malformed
// frames return a DecodeError.
func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return shared.NewSessionError(shared.KindDecode, "invalid JSON frame", err)
	}
	v, ok := raw["type"].(string)
	if !ok || v == "" {
		return shared.NewSessionError(shared.KindDecode, "missing type", nil)
	}
	delete(raw, "type")
	e.WireType = v
	e.Type = ServerEventType(v)
	if alias, ok := eventAliases[e.Type]; ok {
		e.Type = alias
	}
	if id, ok := raw["event_id"].(string); ok {
		e.EventId = id
		delete(raw, "event_id")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated, ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSession)
	case ServerEventTypeInputAudioBufferSpeechStarted:
		e.Param = new(ServerEventParamSpeechStarted)
	case ServerEventTypeOutputAudioBufferStarted, ServerEventTypeOutputAudioBufferStopped:
		e.Param = new(ServerEventParamOutputAudioBuffer)
	case ServerEventTypeResponseTextDelta:
		e.Param = new(ServerEventParamTextDelta)
	case ServerEventTypeResponseAudioDelta:
		e.Param = new(ServerEventParamAudioDelta)
	case ServerEventTypeResponseAudioDone:
		e.Param = new(ServerEventParamAudioDone)
	case ServerEventTypeResponseAudioTranscriptDelta:
		e.Param = new(ServerEventParamTranscriptDelta)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, v)
	}
	if err := e.Param.New(raw); err != nil {
		return shared.NewSessionError(shared.KindDecode, v, err)
	}
	return nil
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func optString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// error
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	p.Type = optString(errObj, "type")
	p.Code = optString(errObj, "code")
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    p.Type,
			"code":    p.Code,
			"message": p.Message,
			"param":   p.Param,
		},
	}
}

// session.created, session.updated
type ServerEventParamSession struct {
	Session map[string]any
}

func (p *ServerEventParamSession) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSession) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// input_audio_buffer.speech_started
type ServerEventParamSpeechStarted struct {
	ItemId       string
	AudioStartMs int
}

func (p *ServerEventParamSpeechStarted) New(m map[string]any) error {
	p.ItemId = optString(m, "item_id")
	p.AudioStartMs, _ = asInt(m["audio_start_ms"])
	return nil
}

func (p *ServerEventParamSpeechStarted) Json() map[string]any {
	return map[string]any{
		"item_id":        p.ItemId,
		"audio_start_ms": p.AudioStartMs,
	}
}

// output_audio_buffer.started, output_audio_buffer.stopped
type ServerEventParamOutputAudioBuffer struct {
	ResponseId string
}

func (p *ServerEventParamOutputAudioBuffer) New(m map[string]any) error {
	p.ResponseId = optString(m, "response_id")
	return nil
}

func (p *ServerEventParamOutputAudioBuffer) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
	}
}

// response.text.delta
type ServerEventParamTextDelta struct {
	ResponseId string
	ItemId     string
	Delta      string
}

func (p *ServerEventParamTextDelta) New(m map[string]any) error {
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	p.ResponseId = optString(m, "response_id")
	p.ItemId = optString(m, "item_id")
	return nil
}

func (p *ServerEventParamTextDelta) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
		"delta":       p.Delta,
	}
}

// response.audio.delta; Audio holds the decoded PCM16 bytes of Delta.
type ServerEventParamAudioDelta struct {
	ResponseId string
	ItemId     string
	Delta      string
	Audio      []byte
}

func (p *ServerEventParamAudioDelta) New(m map[string]any) error {
	v, ok := m["delta"].(string)
	if !ok {
		return errors.New("missing delta")
	}
	audio, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("decoding audio delta: %w", err)
	}
	p.Delta = v
	p.Audio = audio
	p.ResponseId = optString(m, "response_id")
	p.ItemId = optString(m, "item_id")
	return nil
}

func (p *ServerEventParamAudioDelta) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
		"delta":       p.Delta,
	}
}

// response.audio.done
type ServerEventParamAudioDone struct {
	ResponseId string
	ItemId     string
}

func (p *ServerEventParamAudioDone) New(m map[string]any) error {
	p.ResponseId = optString(m, "response_id")
	p.ItemId = optString(m, "item_id")
	return nil
}

func (p *ServerEventParamAudioDone) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
	}
}

// response.audio_transcript.delta; some endpoints nest the text as {"content": ...}.
type ServerEventParamTranscriptDelta struct {
	ResponseId string
	Delta      string
}

func (p *ServerEventParamTranscriptDelta) New(m map[string]any) error {
	switch d := m["delta"].(type) {
	case string:
		p.Delta = d
	case map[string]any:
		if v, ok := d["content"].(string); ok {
			p.Delta = v
		} else {
			return errors.New("missing delta.content")
		}
	default:
		return errors.New("missing delta")
	}
	p.ResponseId = optString(m, "response_id")
	return nil
}

func (p *ServerEventParamTranscriptDelta) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"delta":       p.Delta,
	}
}

// ClientEvent is one outbound data channel frame.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   map[string]any
}

var _ Event = (*ClientEvent)(nil)

func newClientEvent(t ClientEventType, param map[string]any) *ClientEvent {
	return &ClientEvent{EventId: "evt_" + uuid.NewString(), Type: t, Param: param}
}

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) fields() map[string]any {
	resp := make(map[string]any, len(e.Param)+2)
	for k, v := range e.Param {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return resp
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	return sonic.Marshal(e.fields())
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	return yaml.MarshalWithOptions(e.fields(), yaml.UseJSONMarshaler())
}

// NewSessionUpdate declares the capability profile and turn-control parameters.
func NewSessionUpdate(profile SessionProfile) *ClientEvent {
	return newClientEvent(ClientEventTypeSessionUpdate, map[string]any{
		"session": profile.Json(),
	})
}

// NewConversationItemCreate seeds a user message into the conversation.
func NewConversationItemCreate(text string) *ClientEvent {
	return newClientEvent(ClientEventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []any{
				map[string]any{"type": "input_text", "text": text},
			},
		},
	})
}

// NewResponseCreate asks the assistant to respond now. Empty instructions keep the
// session's instructions.
func NewResponseCreate(instructions string, maxOutputTokens int) *ClientEvent {
	response := map[string]any{}
	if instructions != "" {
		response["instructions"] = instructions
	}
	if maxOutputTokens > 0 {
		response["max_output_tokens"] = maxOutputTokens
	}
	return newClientEvent(ClientEventTypeResponseCreate, map[string]any{
		"response": response,
	})
}

func NewSessionEnd() *ClientEvent {
	return newClientEvent(ClientEventTypeSessionEnd, nil)
}
