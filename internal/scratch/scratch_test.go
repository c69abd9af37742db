package scratch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGetDelete(t *testing.T) {
	s := New()
	_, ok := s.Get("k")
	assert.False(t, ok, "expected miss on empty store")

	s.Set("k", []byte("v"))
	v, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	s.Delete("k")
	_, ok = s.Get("k")
	assert.False(t, ok, "expected miss after delete")
}

func TestUpsertAppliesFnAndReturnsResult(t *testing.T) {
	s := New()
	got := s.Upsert("counter", []byte{0}, func(old []byte) []byte {
		return append(old, 1)
	})
	assert.Len(t, got, 2, "expected length 2 after first upsert")

	got = s.Upsert("counter", []byte{0}, func(old []byte) []byte {
		return append(old, 1)
	})
	assert.Len(t, got, 3, "expected length 3 after second upsert")
}
