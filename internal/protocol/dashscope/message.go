// Package dashscope implements the JSON control envelopes of the DashScope
// duplex speech synthesis protocol and the buffering needed to pair its
// side-channel binary audio with the owning task.
package dashscope

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ActionRunTask      = "run-task"
	ActionContinueTask = "continue-task"
	ActionFinishTask   = "finish-task"

	streamingDuplex = "duplex"
)

// EventName is the header.event of an inbound message.
type EventName string

const (
	EventTaskStarted     EventName = "task-started"
	EventResultGenerated EventName = "result-generated"
	EventTaskFinished    EventName = "task-finished"
	EventTaskFailed      EventName = "task-failed"
)

func (e EventName) Known() bool {
	switch e {
	case EventTaskStarted, EventResultGenerated, EventTaskFinished, EventTaskFailed:
		return true
	default:
		return false
	}
}

var ErrMissingTaskID = errors.New("dashscope: event without task_id")

type taskHeader struct {
	Action       string    `json:"action,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Streaming    string    `json:"streaming,omitempty"`
	Event        EventName `json:"event,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type taskPayload struct {
	TaskGroup  string         `json:"task_group,omitempty"`
	Task       string         `json:"task,omitempty"`
	Function   string         `json:"function,omitempty"`
	Model      string         `json:"model,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Input      map[string]any `json:"input"`
}

// Envelope is the wire shape of both directions.
type Envelope struct {
	Header  taskHeader  `json:"header"`
	Payload taskPayload `json:"payload"`
}

// TaskParams configures one synthesis task.
type TaskParams struct {
	Model      string
	Voice      string
	Format     string
	SampleRate int
	Volume     int
	Rate       float64
	Pitch      float64
	TextType   string
}

func (p TaskParams) withDefaults() TaskParams {
	if p.Model == "" {
		p.Model = "cosyvoice-v1"
	}
	if p.Format == "" {
		p.Format = "pcm"
	}
	if p.SampleRate == 0 {
		p.SampleRate = 24000
	}
	if p.Volume == 0 {
		p.Volume = 90
	}
	if p.Rate == 0 {
		p.Rate = 1.1
	}
	if p.Pitch == 0 {
		p.Pitch = 1
	}
	if p.TextType == "" {
		p.TextType = "PlainText"
	}
	return p
}

func RunTask(taskID string, params TaskParams) ([]byte, error) {
	params = params.withDefaults()
	return json.Marshal(Envelope{
		Header: header(ActionRunTask, taskID),
		Payload: taskPayload{
			TaskGroup: "audio",
			Task:      "tts",
			Function:  "SpeechSynthesizer",
			Model:     params.Model,
			Parameters: map[string]any{
				"voice":       params.Voice,
				"volume":      params.Volume,
				"text_type":   params.TextType,
				"format":      params.Format,
				"rate":        params.Rate,
				"pitch":       params.Pitch,
				"sample_rate": params.SampleRate,
			},
			Input: map[string]any{"text": ""},
		},
	})
}

func ContinueTask(taskID, text string) ([]byte, error) {
	return json.Marshal(Envelope{
		Header: header(ActionContinueTask, taskID),
		Payload: taskPayload{
			TaskGroup: "audio",
			Task:      "tts",
			Function:  "SpeechSynthesizer",
			Input:     map[string]any{"text": text},
		},
	})
}

func FinishTask(taskID string) ([]byte, error) {
	return json.Marshal(Envelope{
		Header:  header(ActionFinishTask, taskID),
		Payload: taskPayload{Input: map[string]any{"text": ""}},
	})
}

func header(action, taskID string) taskHeader {
	return taskHeader{
		Action:    action,
		TaskID:    taskID,
		Streaming: streamingDuplex,
	}
}

// Event is a decoded inbound control message.
type Event struct {
	Name         EventName
	TaskID       string
	ErrorCode    string
	ErrorMessage string
}

// DecodeEvent parses an inbound text message.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("dashscope: decode event: %w", err)
	}
	if env.Header.TaskID == "" {
		return Event{Name: env.Header.Event}, ErrMissingTaskID
	}
	return Event{
		Name:         env.Header.Event,
		TaskID:       env.Header.TaskID,
		ErrorCode:    env.Header.ErrorCode,
		ErrorMessage: env.Header.ErrorMessage,
	}, nil
}

// EncodeEvent builds an inbound-shaped message; loopback providers use it.
func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(Envelope{
		Header: taskHeader{
			TaskID:       ev.TaskID,
			Event:        ev.Name,
			ErrorCode:    ev.ErrorCode,
			ErrorMessage: ev.ErrorMessage,
		},
		Payload: taskPayload{Input: map[string]any{}},
	})
}

// DecodeRequest parses an outbound envelope, returning its action, task id
// and input text.
func DecodeRequest(data []byte) (action, taskID, text string, err error) {
	var env Envelope
	if err = json.Unmarshal(data, &env); err != nil {
		return "", "", "", fmt.Errorf("dashscope: decode request: %w", err)
	}
	if t, ok := env.Payload.Input["text"].(string); ok {
		text = t
	}
	return env.Header.Action, env.Header.TaskID, text, nil
}
