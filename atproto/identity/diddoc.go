package identity

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bluesky-social/atlogin/atproto/syntax"
)

type DIDDocument struct {
	DID                syntax.DID              `json:"id"`
	AlsoKnownAs        []string                `json:"alsoKnownAs,omitempty"`
	VerificationMethod []DocVerificationMethod `json:"verificationMethod,omitempty"`
	Service            []DocService            `json:"service,omitempty"`
}

type DocVerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type DocService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Returns the endpoint of the "#atproto_pds" service entry, or an empty string if the document does not declare a usable one.
//
// Service IDs may be relative ("#atproto_pds") or fully qualified with the DID. The endpoint must be an http or https URL.
func (d *DIDDocument) PDSEndpoint() string {
	for _, s := range d.Service {
		if !strings.HasSuffix(s.ID, "#atproto_pds") {
			continue
		}
		if s.ID != "#atproto_pds" && s.ID != d.DID.String()+"#atproto_pds" {
			continue
		}
		if s.Type != "AtprotoPersonalDataServer" {
			continue
		}
		u, err := url.Parse(s.ServiceEndpoint)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			continue
		}
		return strings.TrimSuffix(s.ServiceEndpoint, "/")
	}
	return ""
}

// Returns the first handle declared in "alsoKnownAs" (as an "at://" URI).
func (d *DIDDocument) DeclaredHandle() (syntax.Handle, error) {
	for _, u := range d.AlsoKnownAs {
		if strings.HasPrefix(u, "at://") && len(u) > len("at://") {
			hdl, err := syntax.ParseHandle(u[5:])
			if err != nil {
				continue
			}
			return hdl.Normalize(), nil
		}
	}
	return "", fmt.Errorf("DID document did not declare a handle")
}
