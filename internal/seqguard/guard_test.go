package seqguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcceptFirstPacketFromSource(t *testing.T) {
	g := New(nil)
	assert.True(t, g.Accept(1, 100))
	last, seen := g.LastSeen(1)
	assert.True(t, seen)
	assert.Equal(t, uint32(100), last)
}

func TestAcceptRejectsDuplicateAndReplay(t *testing.T) {
	g := New(nil)
	g.Accept(1, 100)

	assert.False(t, g.Accept(1, 100), "exact duplicate must be rejected")
	assert.False(t, g.Accept(1, 50), "lower sequence number must be rejected as replay")
}

func TestAcceptAllowsForwardProgress(t *testing.T) {
	g := New(nil)
	g.Accept(1, 100)
	assert.True(t, g.Accept(1, 101))
	assert.True(t, g.Accept(1, 150))
}

func TestAcceptRejectsLargeForwardJump(t *testing.T) {
	g := New(nil)
	g.Accept(1, 100)
	assert.False(t, g.Accept(1, 100+forwardWindow))
}

func TestAcceptTracksSourcesIndependently(t *testing.T) {
	g := New(nil)
	g.Accept(1, 100)
	assert.True(t, g.Accept(2, 5), "a different source's counter starts fresh")
}
