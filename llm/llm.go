// Package llm defines the text completion contract used by every pipeline stage.
package llm

import (
	"context"
	"fmt"
)

// Client produces a single text completion for a system and user prompt.
// Calls may fail and may take arbitrarily long; callers bound them with ctx.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Role names the persona a client is used for.
type Role string

const (
	RolePreprocessor Role = "preprocessor"
	RoleExpert       Role = "expert"
	RoleTutor        Role = "tutor"
	RoleStudent      Role = "student"
	RoleReviewer     Role = "reviewer"
)

// Roles maps roles to clients. Roles without an explicit client use Default.
type Roles struct {
	Default Client
	ByRole  map[Role]Client
}

// For returns the client for role, falling back to Default.
func (r Roles) For(role Role) Client {
	if c, ok := r.ByRole[role]; ok && c != nil {
		return c
	}
	return r.Default
}

// Validate reports an error if some role would resolve to no client.
func (r Roles) Validate(roles ...Role) error {
	for _, role := range roles {
		if r.For(role) == nil {
			return fmt.Errorf("no LLM client configured for role %q", role)
		}
	}
	return nil
}

// Func adapts a plain function to Client.
type Func func(ctx context.Context, system, user string) (string, error)

// Complete implements Client.
func (f Func) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}
