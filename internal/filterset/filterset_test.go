package filterset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdd_DuplicateAndOverflow(t *testing.T) {
	s := New()
	assert.Equal(t, Added, s.Add("A", "B"))
	assert.Equal(t, Duplicate, s.Add("A", "B"))

	for i := 0; i < 30; i++ {
		s.Add("X", string(rune('a'+i%26))+string(rune('0'+i%10)))
	}
	assert.Equal(t, MaxReached, s.Add("NEW", "ONE"))
}

func TestMatch_FourPatterns(t *testing.T) {
	wildcard := New()
	wildcard.Add("", "")
	assert.True(t, wildcard.Match("ANY", "THING"))

	exact := New()
	exact.Add("A", "C")
	assert.True(t, exact.Match("A", "C"))
	assert.False(t, exact.Match("A", "D"))

	apidOnly := New()
	apidOnly.Add("A", "")
	assert.True(t, apidOnly.Match("A", "anything"))
	assert.False(t, apidOnly.Match("B", "anything"))

	ctidOnly := New()
	ctidOnly.Add("", "C")
	assert.True(t, ctidOnly.Match("anything", "C"))
	assert.False(t, ctidOnly.Match("anything", "D"))
}

func TestMatch_EmptySetMatchesNothing(t *testing.T) {
	s := New()
	assert.False(t, s.Match("A", "B"))
}

func TestIter_InsertionOrder(t *testing.T) {
	s := New()
	s.Add("A", "1")
	s.Add("B", "2")
	s.Add("C", "3")
	got := s.Iter()
	assert.Equal(t, []Pair{{"A", "1"}, {"B", "2"}, {"C", "3"}}, got)
}
