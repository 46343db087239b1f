package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schooltrack/collabhub/internal/domain"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"join","roomId":"doc-1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, env.Type)
	assert.Equal(t, domain.DocumentID("doc-1"), env.Room)

	_, err = DecodeEnvelope([]byte(`{not json`))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"roomId":"doc-1"}`))
	assert.Error(t, err, "missing type must be rejected")
}

func TestEncode(t *testing.T) {
	frame, err := Encode(TypePresenceUpdate, "doc-1", PresencePayload{
		Rev:     7,
		Viewers: []domain.Viewer{{ID: "u1", Username: "Alice"}},
	})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, TypePresenceUpdate, env.Type)

	var p PresencePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, uint64(7), p.Rev)
	require.Len(t, p.Viewers, 1)
	assert.Equal(t, "Alice", p.Viewers[0].Username)

	// No payload means no payload field, not "null".
	frame, err = Encode(TypeLeft, "", nil)
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "payload")
}
