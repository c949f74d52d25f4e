package middleware

import (
	"context"
	"regexp"

	"github.com/strandlabs/strand/model"
)

type (
	// Redactor masks personally identifiable information in outgoing model
	// input and inbound tool results. Requests are rewritten on cloned
	// messages; persisted history keeps the original text.
	Redactor struct {
		rules []redactRule
	}

	redactRule struct {
		pattern     *regexp.Regexp
		replacement string
	}

	// RedactorOption configures a Redactor.
	RedactorOption func(*Redactor)
)

const redactKey = "pii_redaction"

// Built-in patterns. Credit cards before phones: a 16-digit PAN with
// separators would otherwise partially match the phone pattern.
var defaultRules = []redactRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[CARD]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{regexp.MustCompile(`\b(?:\+?1[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`), "[PHONE]"},
}

// WithRedactRule appends a custom pattern.
func WithRedactRule(pattern *regexp.Regexp, replacement string) RedactorOption {
	return func(r *Redactor) {
		r.rules = append(r.rules, redactRule{pattern: pattern, replacement: replacement})
	}
}

// NewRedactor constructs a Redactor with the built-in email, card, SSN, and
// phone patterns plus any custom rules.
func NewRedactor(opts ...RedactorOption) *Redactor {
	r := &Redactor{rules: append([]redactRule(nil), defaultRules...)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key implements Middleware.
func (r *Redactor) Key() string { return redactKey }

// WrapModelCall implements ModelInterceptor.
func (r *Redactor) WrapModelCall(ctx context.Context, tc *TurnContext, req *model.Request, next ModelCall) (*model.Response, error) {
	clean := *req
	clean.Messages = make([]*model.Message, len(req.Messages))
	for i, msg := range req.Messages {
		clean.Messages[i] = r.redactMessage(msg)
	}
	return next(ctx, &clean)
}

// WrapToolCall implements ToolInterceptor.
func (r *Redactor) WrapToolCall(ctx context.Context, tc *TurnContext, req *ToolRequest, next ToolCall) (any, error) {
	res, err := next(ctx, req)
	if s, ok := res.(string); ok {
		return r.redact(s), err
	}
	return res, err
}

func (r *Redactor) redactMessage(msg *model.Message) *model.Message {
	out := msg.Clone()
	for i, p := range out.Parts {
		switch v := p.(type) {
		case model.TextPart:
			v.Text = r.redact(v.Text)
			out.Parts[i] = v
		case model.ToolResultPart:
			if s, ok := v.Content.(string); ok {
				v.Content = r.redact(s)
				out.Parts[i] = v
			}
		}
	}
	return out
}

func (r *Redactor) redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}

var (
	_ ModelInterceptor = (*Redactor)(nil)
	_ ToolInterceptor  = (*Redactor)(nil)
)
