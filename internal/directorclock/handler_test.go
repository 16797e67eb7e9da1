package directorclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerInvokesRegisteredCallbackOnce(t *testing.T) {
	s := &CloudScheduler{registry: newCallbackRegistry()}

	fired := 0
	id := s.registry.put(func() { fired++ })

	handler := s.Handler()
	handler(id)
	assert.Equal(t, 1, fired)

	handler(id)
	assert.Equal(t, 1, fired, "a second delivery of the same task id must not refire the closure")
}

func TestHandlerIgnoresUnknownID(t *testing.T) {
	s := &CloudScheduler{registry: newCallbackRegistry()}
	assert.NotPanics(t, func() { s.Handler()("unknown") })
}
