package api

import (
	"context"
	"fmt"
	"strings"
)

// Document is the engine's view of a business document: an opaque id plus
// the few attributes the engine needs.
type Document struct {
	ID        string
	CreatorID string
	TenantID  string
	CompanyID string
	// Fields holds the approval-relevant parameters. They are snapshotted
	// into Runtime.DocParams and used for conditions and in-form lookups.
	Fields map[string]any
}

// DocumentAdapter resolves document ids of one application. Resolve must
// return an error wrapping ErrDocumentNotFound when the id is unknown.
type DocumentAdapter interface {
	Resolve(ctx context.Context, docID string) (*Document, error)
}

// DocumentAdapterFunc adapts a function to DocumentAdapter.
type DocumentAdapterFunc func(ctx context.Context, docID string) (*Document, error)

func (f DocumentAdapterFunc) Resolve(ctx context.Context, docID string) (*Document, error) {
	return f(ctx, docID)
}

// AppBinding is what the engine knows about one application code.
type AppBinding struct {
	Adapter DocumentAdapter
	// TitleField names the document field snapshotted into Runtime.DocTitle.
	TitleField string
}

// AppCode is a parsed "<namespace>.<type>" application code.
type AppCode struct {
	Namespace string
	Type      string
}

func (c AppCode) String() string { return c.Namespace + "." + c.Type }

// ParseAppCode splits and validates an application code.
func ParseAppCode(s string) (AppCode, error) {
	ns, typ, ok := strings.Cut(s, ".")
	if !ok || ns == "" || typ == "" || strings.Contains(typ, ".") ||
		strings.ContainsAny(s, " \t\n") {
		return AppCode{}, fmt.Errorf("%w: %q", ErrMalformedAppCode, s)
	}
	return AppCode{Namespace: ns, Type: typ}, nil
}

// DocumentEventType identifies a document lifecycle event.
type DocumentEventType string

const (
	DocumentSubmitted DocumentEventType = "document.submitted"
)

// DocumentEvent is published by the document layer after its own
// transaction has committed.
type DocumentEvent struct {
	Type    DocumentEventType
	AppCode string
	DocID   string
	ActorID string
}
