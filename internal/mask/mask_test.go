package mask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		mask  string
		input string
		want  bool
	}{
		{"*!*@*", "a!~b@c", true},
		{"bob!*@*", "Bob!~bob@host", true},
		{"bob!*@*", "bobby!~bob@host", false},
		{"*!*@*.example.com", "x!~y@a.example.com", true},
		{"*!*@*.example.com", "x!~y@example.com", false},
		{"b?b!*@*", "bib!~u@h", true},
		{"*@127.0.0.1", "~oper@127.0.0.1", true},
		{"*@127.0.0.1", "~oper@127.0.0.2", false},
		{"", "", true},
		{"*", "", true},
		{"a", "", false},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, Match(test.mask, test.input),
			"%s %s", test.mask, test.input)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"bob", "bob!*@*"},
		{"bob!user", "bob!user@*"},
		{"user@host", "*!user@host"},
		{"a!b@c", "a!b@c"},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, Normalize(test.input), test.input)
	}
}
