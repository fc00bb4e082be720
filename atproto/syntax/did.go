package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// A DID which has passed syntax validation, eg "did:plc:ewvi7nxzyoun6zhxrhs64oiz".
//
// Build with [ParseDID] when the value comes from outside (handle records, token responses, session cookies).
//
// Syntax specification: https://atproto.com/specs/did
type DID string

const maxDIDLength = 2048

var didPattern = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]*[a-zA-Z0-9._-]$`)

func ParseDID(raw string) (DID, error) {
	switch {
	case raw == "":
		return "", errors.New("empty DID")
	case len(raw) > maxDIDLength:
		return "", fmt.Errorf("DID longer than %d characters", maxDIDLength)
	case !didPattern.MatchString(raw):
		return "", fmt.Errorf("invalid DID syntax: %q", raw)
	}
	return DID(raw), nil
}

func (d DID) split() (method, id string) {
	rest, ok := strings.CutPrefix(string(d), "did:")
	if !ok {
		return "", ""
	}
	method, id, _ = strings.Cut(rest, ":")
	return method, id
}

// Method name, eg "plc". Always lower-case for a parsed DID.
func (d DID) Method() string {
	method, _ := d.split()
	return method
}

// Method-specific identifier: everything after the method segment.
func (d DID) Identifier() string {
	_, id := d.split()
	return id
}

// Only did:plc and did:web can be resolved to a DID document.
func (d DID) IsResolvable() bool {
	m := d.Method()
	return m == "plc" || m == "web"
}

func (d DID) String() string {
	return string(d)
}

func (d DID) MarshalText() ([]byte, error) {
	return []byte(d), nil
}

func (d *DID) UnmarshalText(text []byte) error {
	parsed, err := ParseDID(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
