package llm

import (
	"context"
	"encoding/json"
)

type credentialOverrideKey struct{}

// CredentialOverride overrides a Provider's credentials for a single
// request. It travels only via context, never via API JSON unmarshalling,
// so a caller can't inject credentials through a request body.
type CredentialOverride struct {
	APIKey    string
	SecretKey string
}

func (c CredentialOverride) String() string {
	if c.APIKey == "" && c.SecretKey == "" {
		return "CredentialOverride{}"
	}
	return "CredentialOverride{APIKey:***, SecretKey:***}"
}

func (c CredentialOverride) MarshalJSON() ([]byte, error) {
	type masked struct {
		APIKey    string `json:"api_key,omitempty"`
		SecretKey string `json:"secret_key,omitempty"`
	}
	out := masked{}
	if c.APIKey != "" {
		out.APIKey = "***"
	}
	if c.SecretKey != "" {
		out.SecretKey = "***"
	}
	return json.Marshal(out)
}

// WithCredentialOverride stores a credential override on ctx. Passing an
// empty APIKey/SecretKey leaves ctx unchanged.
func WithCredentialOverride(ctx context.Context, c CredentialOverride) context.Context {
	if c.APIKey == "" && c.SecretKey == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialOverrideKey{}, c)
}

// CredentialOverrideFromContext reads a credential override from ctx.
func CredentialOverrideFromContext(ctx context.Context) (CredentialOverride, bool) {
	v := ctx.Value(credentialOverrideKey{})
	if v == nil {
		return CredentialOverride{}, false
	}
	c, ok := v.(CredentialOverride)
	return c, ok
}
