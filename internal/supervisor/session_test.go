package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSessionID(t *testing.T) {
	const id = "11111111-1111-1111-1111-111111111111"

	tests := []struct {
		name   string
		path   string
		want   string
		wantOK bool
	}{
		{"sessions action", "/v1/sessions/" + id + "/action", id, true},
		{"singular session", "/v1/session/" + id, id, true},
		{"session start", "/v1/sessions/start", "", false},
		{"no session segment", "/v1/devices/" + id, "", false},
		{"trailing sessions", "/v1/sessions", "", false},
		{"too short", "/v1/sessions/1111-1111-1111-1111", "", false},
		{"wrong hyphen count", "/v1/sessions/111111111111111111111111111111111111", "", false},
		{"five hyphens", "/v1/sessions/11111-1111-1111-1111-1111-1111111111", "", false},
		{"first match wins", "/sessions/" + id + "/session/22222222-2222-2222-2222-222222222222", id, true},
		{"later valid candidate", "/sessions/start/session/" + id, id, true},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractSessionID(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
