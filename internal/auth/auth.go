// Package auth resolves API bearer tokens to what they may do to workers.
//
// A grant is a set of scopes plus an optional list of worker key prefixes.
// A grant with no prefixes reaches every worker.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// Scope is a set of permissions.
type Scope uint8

const (
	// ScopeWorkRead lists workers and connections.
	ScopeWorkRead Scope = 1 << iota
	// ScopeWorkWrite submits, binds, presents and fires handles.
	ScopeWorkWrite
	// ScopeEvents streams the event feed.
	ScopeEvents

	ScopeAll = ScopeWorkRead | ScopeWorkWrite | ScopeEvents
)

var scopeNames = map[string]Scope{
	"*":         ScopeAll,
	"work:ro":   ScopeWorkRead,
	"work:rw":   ScopeWorkRead | ScopeWorkWrite,
	"events:ro": ScopeEvents,
}

// ParseScopes folds scope names into one Scope. Unknown names are an error.
func ParseScopes(names []string) (Scope, error) {
	var s Scope
	for _, n := range names {
		v, ok := scopeNames[strings.TrimSpace(n)]
		if !ok {
			return 0, fmt.Errorf("unknown scope %q", n)
		}
		s |= v
	}
	return s, nil
}

// Has reports whether s includes every permission in required.
func (s Scope) Has(required Scope) bool { return s&required == required }

func (s Scope) String() string {
	if s == ScopeAll {
		return "*"
	}
	var parts []string
	for name, v := range scopeNames {
		if v != ScopeAll && s.Has(v) && !(name == "work:ro" && s.Has(ScopeWorkWrite)) {
			parts = append(parts, name)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// TokenConfig is a configured bearer token.
type TokenConfig struct {
	Token  string
	Scopes []string
	// Keys limits the token to workers whose key starts with one of these
	// prefixes.
	Keys []string
}

// Principal is an authenticated caller.
type Principal struct {
	Scope Scope
	Keys  []string
}

// CanReach reports whether p may act on the worker at key.
func (p Principal) CanReach(key component.Key) bool {
	if len(p.Keys) == 0 {
		return true
	}
	for _, prefix := range p.Keys {
		if strings.HasPrefix(string(key), prefix) {
			return true
		}
	}
	return false
}

type grant struct {
	token     []byte
	principal Principal
}

// Keyring holds every accepted token.
type Keyring struct {
	grants []grant
}

// NewKeyring builds a keyring. adminKey, when set, gets every scope on every
// worker.
func NewKeyring(adminKey string, tokens []TokenConfig) (*Keyring, error) {
	k := &Keyring{}
	if adminKey != "" {
		k.grants = append(k.grants, grant{token: []byte(adminKey), principal: Principal{Scope: ScopeAll}})
	}
	for i, t := range tokens {
		if t.Token == "" {
			return nil, fmt.Errorf("token %d is empty", i)
		}
		scope, err := ParseScopes(t.Scopes)
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
		if scope == 0 {
			return nil, fmt.Errorf("token %d has no scopes", i)
		}
		keys := make([]string, 0, len(t.Keys))
		for _, p := range t.Keys {
			if p = strings.Trim(p, "/ "); p != "" {
				keys = append(keys, p)
			}
		}
		k.grants = append(k.grants, grant{token: []byte(t.Token), principal: Principal{Scope: scope, Keys: keys}})
	}
	return k, nil
}

// Authenticate returns the principal for a presented token. Every grant is
// compared so the time taken does not depend on which one matches.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	var (
		found Principal
		ok    bool
	)
	for _, g := range k.grants {
		if subtle.ConstantTimeCompare([]byte(presented), g.token) == 1 && !ok {
			found, ok = g.principal, true
		}
	}
	return found, ok
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from an Authorization: Bearer header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}
