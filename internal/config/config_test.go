package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaultsFillsStartLineAnchors(t *testing.T) {
	c := &Config{}
	c.applyDefaults()

	require.Len(t, c.UWB.Anchors, 3)
	assert.Equal(t, AnchorConfig{NodeID: 1, Designation: "markA", XM: -150, YM: 0}, c.UWB.Anchors[0])
	assert.Equal(t, AnchorConfig{NodeID: 2, Designation: "markB", XM: 150, YM: 0}, c.UWB.Anchors[1])
	assert.Equal(t, AnchorConfig{NodeID: 3, Designation: "committee", XM: 150, YM: 30}, c.UWB.Anchors[2])
}

func TestApplyDefaultsPreservesConfiguredAnchors(t *testing.T) {
	c := &Config{}
	c.UWB.Anchors = []AnchorConfig{{NodeID: 9, Designation: "markA", XM: 1, YM: 2}}
	c.applyDefaults()

	require.Len(t, c.UWB.Anchors, 1)
	assert.Equal(t, uint32(9), c.UWB.Anchors[0].NodeID)
}

func TestParseAnchors(t *testing.T) {
	got, err := parseAnchors("1:markA:-150:0,2:markB:150:0,3:committee:150:30")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, AnchorConfig{NodeID: 1, Designation: "markA", XM: -150, YM: 0}, got[0])
	assert.Equal(t, AnchorConfig{NodeID: 3, Designation: "committee", XM: 150, YM: 30}, got[2])
}

func TestParseAnchorsRejectsMalformedEntry(t *testing.T) {
	_, err := parseAnchors("not-an-anchor")
	assert.Error(t, err)
}
