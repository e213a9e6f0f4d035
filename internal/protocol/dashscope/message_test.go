package dashscope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTaskEnvelope(t *testing.T) {
	data, err := RunTask("task-1", TaskParams{Voice: "longjielidou", SampleRate: 22050})
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "run-task", raw["header"]["action"])
	assert.Equal(t, "task-1", raw["header"]["task_id"])
	assert.Equal(t, "duplex", raw["header"]["streaming"])
	assert.Equal(t, "cosyvoice-v1", raw["payload"]["model"])
	assert.Equal(t, "SpeechSynthesizer", raw["payload"]["function"])

	params := raw["payload"]["parameters"].(map[string]any)
	assert.Equal(t, "longjielidou", params["voice"])
	assert.Equal(t, float64(22050), params["sample_rate"])
	assert.Equal(t, "pcm", params["format"])
}

func TestRequestRoundTrip(t *testing.T) {
	data, err := ContinueTask("task-2", "你好，")
	require.NoError(t, err)
	action, taskID, text, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, ActionContinueTask, action)
	assert.Equal(t, "task-2", taskID)
	assert.Equal(t, "你好，", text)

	data, err = FinishTask("task-2")
	require.NoError(t, err)
	action, taskID, text, err = DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, ActionFinishTask, action)
	assert.Equal(t, "task-2", taskID)
	assert.Empty(t, text)
}

func TestDecodeEvent(t *testing.T) {
	data, err := EncodeEvent(Event{Name: EventTaskFailed, TaskID: "t", ErrorCode: "InvalidParameter", ErrorMessage: "bad voice"})
	require.NoError(t, err)

	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventTaskFailed, ev.Name)
	assert.Equal(t, "t", ev.TaskID)
	assert.Equal(t, "InvalidParameter", ev.ErrorCode)
	assert.Equal(t, "bad voice", ev.ErrorMessage)
	assert.True(t, ev.Name.Known())

	_, err = DecodeEvent([]byte(`{"header":{"event":"task-started"}}`))
	assert.ErrorIs(t, err, ErrMissingTaskID)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)

	assert.False(t, EventName("result-mutated").Known())
}
