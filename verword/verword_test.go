package verword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAVLWordBeginEndChangeRoundtrip(t *testing.T) {
	var v AVLWord = 0
	assert.False(t, v.IsShrinking())

	changing := v.BeginChange()
	assert.True(t, changing.IsShrinking())
	assert.False(t, changing.IsUnlinked())

	done := changing.EndChange()
	assert.False(t, done.IsShrinking())
	assert.False(t, done.IsUnlinked())
	assert.NotEqual(t, v, done, "EndChange must bump the counter even from zero")
}

func TestAVLWordUnlinkedIsNotShrinking(t *testing.T) {
	assert.True(t, Unlinked.IsUnlinked())
	assert.False(t, Unlinked.IsShrinking())
}

func TestAVLWordBeginEndChangeIsDeterministic(t *testing.T) {
	var v AVLWord = 40
	a := v.BeginChange().EndChange()
	b := v.BeginChange().EndChange()
	assert.Equal(t, a, b, "two independent begin/end cycles from the same start must agree")
	assert.NotEqual(t, v, a)
}

func TestCBWordGrowShrinkCountersAreIndependent(t *testing.T) {
	var v CBWord = 0
	grown := v.BeginGrow().EndGrow()
	assert.False(t, grown.IsGrowLocked())
	assert.False(t, grown.IsShrinkLocked())

	shrunk := grown.BeginShrink()
	assert.True(t, shrunk.IsShrinkLocked())
	assert.True(t, shrunk.IsShrinkingOrUnlinked())

	done := shrunk.EndShrink()
	assert.False(t, done.IsShrinkLocked())
	assert.False(t, done.IsGrowLocked())
	assert.Equal(t, (grown>>cbGrowCountShift)&cbCountMask, (done>>cbGrowCountShift)&cbCountMask,
		"a shrink cycle must leave the grow counter unchanged")
}

func TestCBWordUnlinkedIsDistinguished(t *testing.T) {
	assert.True(t, CBUnlinked.IsUnlinked())
	assert.True(t, CBUnlinked.IsShrinkingOrUnlinked())
	var zero CBWord = 0
	assert.False(t, zero.IsUnlinked())
}

func TestCBWordCountersWrapWithinMask(t *testing.T) {
	v := CBWord(0)
	for i := 0; i < 5; i++ {
		v = v.BeginGrow().EndGrow()
	}
	assert.False(t, v.IsGrowLocked())

	saturated := CBWord(cbCountMask << cbGrowCountShift)
	assert.Equal(t, CBWord(0), saturated.BeginGrow().EndGrow(),
		"a saturated grow counter wraps to zero without spilling into other fields")
}
