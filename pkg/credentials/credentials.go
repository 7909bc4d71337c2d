// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package credentials issues, caches and verifies the short-lived bearer
// tokens attached to remote calls.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 5 * time.Minute

// Token is a bearer token and its expiry.
type Token struct {
	Value  string
	Expiry time.Time
}

// Valid reports whether the token is still usable at now, keeping margin in reserve.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.Expiry)
}

// Provider returns a short-lived token for calling audience.
type Provider interface {
	Token(ctx context.Context, audience string) (Token, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, audience string) (Token, error)

// Token implements Provider.
func (f ProviderFunc) Token(ctx context.Context, audience string) (Token, error) {
	return f(ctx, audience)
}

type subjectKey struct{}

// ErrSubjectNotAllowed is returned when a token is requested for a subject the
// issuer does not speak for.
var ErrSubjectNotAllowed = errors.New("subject not allowed for this issuer")

// WithSubject returns a context whose tokens are issued for subject instead of
// the issuer's default subject. The issuer must allow subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	if subject == "" {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the subject set with WithSubject, if any.
func SubjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}

// Issuer signs HS256 tokens. The subject defaults to the one given to
// NewIssuer and can be overridden per call with WithSubject, restricted to
// the subjects registered with WithSubjects.
type Issuer struct {
	key     []byte
	issuer  string
	subject string
	allowed map[string]bool
	ttl     time.Duration
	now     func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithSubjects lets the issuer sign for additional subjects, normally the
// identities of the agents served by this process.
func WithSubjects(subjects ...string) IssuerOption {
	return func(i *Issuer) {
		for _, s := range subjects {
			if s != "" {
				i.allowed[s] = true
			}
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer creates an issuer. subject is normally the caller's identity.
func NewIssuer(key []byte, issuer, subject string, opts ...IssuerOption) (*Issuer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes")
	}
	i := &Issuer{
		key:     append([]byte(nil), key...),
		issuer:  issuer,
		subject: subject,
		allowed: map[string]bool{subject: true},
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Token issues a new token for audience.
func (i *Issuer) Token(ctx context.Context, audience string) (Token, error) {
	subject := i.subject
	if s := SubjectFrom(ctx); s != "" {
		subject = s
	}
	if !i.allowed[subject] {
		return Token{}, fmt.Errorf("%w: %q", ErrSubjectNotAllowed, subject)
	}
	now := i.now()
	expiry := now.Add(i.ttl)
	tok, err := jwt.NewBuilder().
		JwtID(uuid.NewString()).
		Issuer(i.issuer).
		Subject(subject).
		Audience([]string{audience}).
		IssuedAt(now).
		NotBefore(now).
		Expiration(expiry).
		Build()
	if err != nil {
		return Token{}, fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, i.key))
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: string(signed), Expiry: expiry}, nil
}

// Cache memoizes tokens per subject and audience until they come within margin of expiry.
type Cache struct {
	inner  Provider
	margin time.Duration
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]Token
}

// NewCache wraps inner.
func NewCache(inner Provider, margin time.Duration) *Cache {
	return &Cache{inner: inner, margin: margin, now: time.Now, tokens: make(map[string]Token)}
}

// Token returns a cached token while it is valid, otherwise a fresh one.
func (c *Cache) Token(ctx context.Context, audience string) (Token, error) {
	key := SubjectFrom(ctx) + "|" + audience
	c.mu.Lock()
	cached, ok := c.tokens[key]
	c.mu.Unlock()
	if ok && cached.Valid(c.now(), c.margin) {
		return cached, nil
	}

	fresh, err := c.inner.Token(ctx, audience)
	if err != nil {
		return Token{}, err
	}
	if !fresh.Valid(c.now(), 0) {
		return Token{}, fmt.Errorf("provider returned an expired token for %s", audience)
	}
	c.mu.Lock()
	c.tokens[key] = fresh
	c.mu.Unlock()
	return fresh, nil
}

// Claims are the verified facts of an incoming token.
type Claims struct {
	Subject  string
	Issuer   string
	Audience []string
	Expiry   time.Time
}

// Verifier checks incoming HS256 tokens.
type Verifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier for tokens signed with key by issuer.
func NewVerifier(key []byte, issuer string) *Verifier {
	return &Verifier{key: append([]byte(nil), key...), issuer: issuer, now: time.Now}
}

// Verify validates signature, expiry, issuer and audience.
func (v *Verifier) Verify(_ context.Context, token, audience string) (Claims, error) {
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, v.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("invalid token: %w", err)
	}
	return Claims{
		Subject:  parsed.Subject(),
		Issuer:   parsed.Issuer(),
		Audience: parsed.Audience(),
		Expiry:   parsed.Expiration(),
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}
