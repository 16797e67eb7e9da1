package directorclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallbackRegistryPutTakeRoundTrips(t *testing.T) {
	r := newCallbackRegistry()

	called := false
	id := r.put(func() { called = true })
	assert.NotEmpty(t, id)

	fn, ok := r.take(id)
	assert.True(t, ok)
	fn()
	assert.True(t, called)
}

func TestCallbackRegistryTakeIsOneShot(t *testing.T) {
	r := newCallbackRegistry()
	id := r.put(func() {})

	_, ok := r.take(id)
	assert.True(t, ok)

	_, ok = r.take(id)
	assert.False(t, ok)
}

func TestCallbackRegistryTakeUnknownID(t *testing.T) {
	r := newCallbackRegistry()
	_, ok := r.take("does-not-exist")
	assert.False(t, ok)
}
