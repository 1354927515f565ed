package telemetry

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Masker replaces sensitive infrastructure strings with placeholders. It is
// disabled (NewMasker returns nil) when there is nothing worth masking —
// github.com itself is never masked, since it is not enterprise-private.
type Masker struct {
	ghesHost string
	orgName  string
	orgSlash *regexp.Regexp // "/org/" and "/orgs/org" patterns
}

// NewMasker builds a Masker for ghesHost/orgName, or returns nil if masking
// would be a no-op (no host configured, or the host is the public
// github.com).
func NewMasker(ghesHost, orgName string) *Masker {
	if ghesHost == "" || ghesHost == "github.com" {
		return nil
	}
	m := &Masker{ghesHost: ghesHost, orgName: orgName}
	if orgName != "" {
		m.orgSlash = regexp.MustCompile(`/(orgs/)?` + regexp.QuoteMeta(orgName) + `(/|$)`)
	}
	return m
}

// Mask replaces every occurrence of the configured GHES hostname and
// organization name in value with <GHES> and <ORG>.
func (m *Masker) Mask(value string) string {
	if m == nil {
		return value
	}
	value = strings.ReplaceAll(value, m.ghesHost, "<GHES>")
	if m.orgSlash != nil {
		value = m.orgSlash.ReplaceAllStringFunc(value, func(match string) string {
			if strings.HasPrefix(match, "/orgs/") {
				return "/orgs/<ORG>" + match[len("/orgs/"+m.orgName):]
			}
			return "/<ORG>" + match[len("/"+m.orgName):]
		})
	}
	return value
}

// Handler wraps an slog.Handler, masking the message and every string
// attribute value before it reaches the wrapped handler. It is the Go
// shape of a logging filter that rewrites records in place rather than
// dropping them.
type Handler struct {
	next   slog.Handler
	masker *Masker
}

// NewHandler wraps next with masker. If masker is nil, next is returned
// unwrapped — masking stays entirely out of the hot path when disabled.
func NewHandler(next slog.Handler, masker *Masker) slog.Handler {
	if masker == nil {
		return next
	}
	return &Handler{next: next, masker: masker}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	masked := slog.NewRecord(r.Time, r.Level, h.masker.Mask(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(a))
		return true
	})
	return h.next.Handle(ctx, masked)
}

func (h *Handler) maskAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.masker.Mask(a.Value.String()))
	}
	return a
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.maskAttr(a)
	}
	return &Handler{next: h.next.WithAttrs(masked), masker: h.masker}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), masker: h.masker}
}
