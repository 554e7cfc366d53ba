package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewMessage(), PrefixMessage))
	assert.True(t, strings.HasPrefix(NewGrant(), PrefixGrant))
	assert.True(t, strings.HasPrefix(NewListener(), PrefixListener))
	assert.True(t, strings.HasPrefix(NewRequest(), PrefixRequest))
	assert.Len(t, NewRequest(), len(PrefixRequest)+36)
}

func TestNewMessage_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewMessage()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
