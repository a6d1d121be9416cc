// Package graph implements a Provider that sends raw MIME messages via the
// Microsoft Graph API.
package graph

import (
	"encoding/base64"

	"github.com/shineum/smime-signer/internal/email"
)

// mimeContentType is the request content type Graph expects for a
// base64 encoded MIME message.
const mimeContentType = "text/plain"

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildMIMEBody encodes msg in wire form as the sendMail MIME request body.
func buildMIMEBody(msg *email.Message) []byte {
	raw := msg.Bytes()
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out
}
