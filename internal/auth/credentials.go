package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// Source records where a credential was found.
type Source string

const (
	SourceNone          Source = ""
	SourceAuthorization Source = "authorization"
	SourceQuery         Source = "query"
	SourceAPIKeyHeader  Source = "api_key_header"
)

// CredentialLookup names the query parameter and header consulted after the
// Authorization header.
type CredentialLookup struct {
	QueryParam   string
	APIKeyHeader string
}

func DefaultCredentialLookup() CredentialLookup {
	return CredentialLookup{QueryParam: "access_token", APIKeyHeader: "X-API-Key"}
}

// ExtractCredential returns the bearer credential in priority order:
// Authorization header, query parameter, API key header.
func ExtractCredential(headers http.Header, query url.Values, lookup CredentialLookup) (string, Source) {
	if headers != nil {
		if authHeader := headers.Get("Authorization"); authHeader != "" {
			if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
				if tok := strings.TrimSpace(authHeader[7:]); tok != "" {
					return tok, SourceAuthorization
				}
			}
		}
	}

	if lookup.QueryParam != "" && query != nil {
		if tok := strings.TrimSpace(query.Get(lookup.QueryParam)); tok != "" {
			return tok, SourceQuery
		}
	}

	if lookup.APIKeyHeader != "" && headers != nil {
		if tok := strings.TrimSpace(headers.Get(lookup.APIKeyHeader)); tok != "" {
			return tok, SourceAPIKeyHeader
		}
	}

	return "", SourceNone
}
