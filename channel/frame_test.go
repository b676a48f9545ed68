package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		event   string
	}{
		{"broadcast", `{"type":"broadcast","clientId":"a","event":"crdt_update","payload":{}}`, false, "crdt_update"},
		{"presence", `{"type":"presence","clientId":"a","payload":{"isEditing":true}}`, false, EventPresence},
		{"leave", `{"type":"leave","clientId":"a"}`, false, EventLeave},
		{"not json", `{`, true, ""},
		{"no client", `{"type":"leave"}`, true, ""},
		{"unknown type", `{"type":"shout","clientId":"a"}`, true, ""},
		{"presence without payload", `{"type":"presence","clientId":"a"}`, true, ""},
		{"reserved broadcast", `{"type":"broadcast","clientId":"a","event":"status"}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.event, f.Message().Event)
			assert.Equal(t, "a", f.Message().ClientID)
		})
	}
}
