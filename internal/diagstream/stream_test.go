package diagstream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckOriginAllowsEverythingWhenAllowlistEmpty(t *testing.T) {
	s := New(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/ws/diagnostics", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	assert.True(t, s.upgrader.CheckOrigin(req))
}

func TestCheckOriginEnforcesAllowlist(t *testing.T) {
	s := New([]string{"https://committee.example"}, nil)

	allowed := httptest.NewRequest(http.MethodGet, "/ws/diagnostics", nil)
	allowed.Header.Set("Origin", "https://committee.example")
	assert.True(t, s.upgrader.CheckOrigin(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/ws/diagnostics", nil)
	denied.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.upgrader.CheckOrigin(denied))
}

func TestClientCountStartsAtZero(t *testing.T) {
	s := New(nil, nil)
	assert.Equal(t, 0, s.ClientCount())
}
