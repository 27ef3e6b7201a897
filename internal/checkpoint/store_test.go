package checkpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	assert.Equal(t, `{"audit_next_checkpoint": 500}`, string(Encode("audit", 500)))
	assert.Equal(t, `{"entity_host_next_checkpoint": 0}`, string(Encode("entity_host", 0)))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		cursor  int64
		ok      bool
		corrupt bool
	}{
		{name: "python style", data: `{"audit_next_checkpoint": 500}`, cursor: 500, ok: true},
		{name: "compact", data: `{"audit_next_checkpoint":42}`, cursor: 42, ok: true},
		{name: "null cursor", data: `{"audit_next_checkpoint": null}`},
		{name: "other stream key", data: `{"detection_next_checkpoint": 7}`},
		{name: "empty object", data: `{}`},
		{name: "empty file", data: ``, corrupt: true},
		{name: "truncated", data: `{"audit_next_chec`, corrupt: true},
		{name: "string cursor", data: `{"audit_next_checkpoint": "500"}`, corrupt: true},
		{name: "array", data: `[1, 2]`, corrupt: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, ok, err := Decode("audit", []byte(tt.data))
			if tt.corrupt {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrCorrupt))
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.cursor, cursor)
		})
	}
}
