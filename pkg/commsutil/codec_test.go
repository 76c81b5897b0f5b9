package commsutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePayload(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"event", map[string]any{"type": "tool:complete", "name": "notify"}, `{"name":"notify","type":"tool:complete"}`},
		{"string", "hello", `"hello"`},
		{"nil", nil, "null"},
		{"slice", []int{1, 2, 3}, "[1,2,3]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.input)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
			var back any
			assert.NoError(t, DecodePayload(data, &back))
		})
	}

	_, err := EncodePayload(make(chan int))
	assert.Error(t, err, "channels cannot be encoded")
	for _, bad := range []string{"", "{invalid}"} {
		var out map[string]any
		assert.Error(t, DecodePayload([]byte(bad), &out), bad)
	}
}

func TestCodecs_MessageShape(t *testing.T) {
	type wireMessage struct {
		Type      string         `json:"type"`
		Channel   string         `json:"_channel"`
		Timestamp time.Time      `json:"_timestamp"`
		RequestID string         `json:"requestId,omitempty"`
		Payload   map[string]any `json:"payload,omitempty"`
		Retry     bool           `json:"retry"`
	}

	original := wireMessage{
		Type:      "tool:call",
		Channel:   "app-tool-system",
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		RequestID: "req-1",
		Payload:   map[string]any{"text": "hi", "nested": map[string]any{"n": "v"}},
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(original)
			require.NoError(t, err)

			var decoded wireMessage
			require.NoError(t, codec.Unmarshal(data, &decoded))
			assert.Equal(t, original.Type, decoded.Type)
			assert.Equal(t, original.Channel, decoded.Channel)
			assert.Equal(t, original.RequestID, decoded.RequestID)
			assert.True(t, decoded.Timestamp.Equal(original.Timestamp), "timestamp = %v", decoded.Timestamp)
			nested, ok := decoded.Payload["nested"].(map[string]any)
			require.True(t, ok, "nested payload = %#v", decoded.Payload["nested"])
			assert.Equal(t, "v", nested["n"])
		})
	}
}

func TestMsgpackCodec_UsesJSONFieldNames(t *testing.T) {
	data, err := MsgpackCodec{}.Marshal(struct {
		Channel string `json:"_channel"`
	}{Channel: "c"})
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, MsgpackCodec{}.Unmarshal(data, &generic))
	assert.Equal(t, "c", generic["_channel"])
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "msgpack"} {
		_, err := CodecByName(name)
		assert.NoError(t, err, name)
	}
	_, err := CodecByName("protobuf")
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	type target struct {
		Tool     string `json:"tool"`
		Provider string `json:"provider"`
		Count    int    `json:"count"`
	}
	var out target
	src := map[string]any{"tool": "notify", "provider": "app", "count": int8(3)}
	require.NoError(t, Convert(src, &out))
	assert.Equal(t, target{Tool: "notify", Provider: "app", Count: 3}, out)

	assert.Error(t, Convert(make(chan int), &out), "unserializable source")
	assert.Error(t, Convert("text", &out), "mismatched target")
}
