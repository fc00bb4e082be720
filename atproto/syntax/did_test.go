package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDIDParse(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		"did:web:example.com",
		"did:web:localhost%3A1234",
		"did:method:val:two",
		"did:m:v",
	}
	for _, raw := range valid {
		_, err := ParseDID(raw)
		assert.NoError(err, raw)
	}

	invalid := []string{
		"",
		"did",
		"did:",
		"did:plc",
		"did:plc:",
		"DID:plc:abc",
		"did:PLC:abc",
		"did:plc:abc:",
		"did:plc:abc%",
		"did:plc:a b",
	}
	for _, raw := range invalid {
		_, err := ParseDID(raw)
		assert.Error(err, raw)
	}
}

func TestDIDParts(t *testing.T) {
	assert := assert.New(t)

	d, err := ParseDID("did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	assert.NoError(err)
	assert.Equal("plc", d.Method())
	assert.Equal("ewvi7nxzyoun6zhxrhs64oiz", d.Identifier())
	assert.True(d.IsResolvable())

	d, err = ParseDID("did:web:example.com")
	assert.NoError(err)
	assert.Equal("web", d.Method())
	assert.Equal("example.com", d.Identifier())
	assert.True(d.IsResolvable())

	d, err = ParseDID("did:key:zQ3shZc2QzApp2oymGvQbzP8eKheVshBHbU4ZYjeXqwSKEn6N")
	assert.NoError(err)
	assert.False(d.IsResolvable())
}
