// Package domain defines the stored-record value types, the receipt envelope
// wire forms, the narrow persistence interfaces, and the typed error kinds the
// ledger is built on. Records are opaque typed payloads: the ledger never
// interprets clinical content beyond the handful of well-known fields named
// here (identifiers and identity references).
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"healthcore/pkg/extension"
)

// Well-known record types. Everything else is an opaque clinical type.
const (
	// IdentityType is the per-account identity record type.
	IdentityType = "Patient"
	// HeaderType is the receipt header record type.
	HeaderType = "MessageHeader"
	// BundleType is the receipt bundle record type.
	BundleType = "Bundle"
)

// UsernameSystem is the identifier system carrying the account username on
// identity records.
const UsernameSystem = string(extension.URIAccountUsername)

// SharedOwnerSentinel marks identity references that deliberately resolve to
// no owner. Records linked through it are treated as shared.
const SharedOwnerSentinel = "|SHARED-RESOURCE|"

// Meta carries the store-managed and ledger-managed metadata of a record.
type Meta struct {
	LastUpdated time.Time           `json:"last_updated"`
	Source      string              `json:"source,omitempty"`
	Extensions  extension.Container `json:"extensions"`
}

// Record is a stored, versioned, typed payload. Version numbering is assigned
// by the store: 1 on first create, +1 on every update, monotonic for the
// lifetime of the (type,id) identity even across delete and re-create.
type Record struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Version int            `json:"version,omitempty"`
	Meta    Meta           `json:"meta"`
	Body    map[string]any `json:"body,omitempty"`
}

// Ref addresses a record, optionally pinned to a version.
type Ref struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int    `json:"version,omitempty"`
}

// String renders the reference as "Type/ID" or "Type/ID/_history/N".
func (r Ref) String() string {
	if r.Version > 0 {
		return fmt.Sprintf("%s/%s/_history/%d", r.Type, r.ID, r.Version)
	}
	return r.Type + "/" + r.ID
}

// ParseRef parses "Type/ID" and "Type/ID/_history/N" reference strings.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Ref{}, fmt.Errorf("invalid reference %q", s)
		}
		return Ref{Type: parts[0], ID: parts[1]}, nil
	case 4:
		if parts[2] != "_history" {
			return Ref{}, fmt.Errorf("invalid reference %q", s)
		}
		version, err := strconv.Atoi(parts[3])
		if err != nil || version <= 0 {
			return Ref{}, fmt.Errorf("invalid reference version in %q", s)
		}
		return Ref{Type: parts[0], ID: parts[1], Version: version}, nil
	default:
		return Ref{}, fmt.Errorf("invalid reference %q", s)
	}
}

// Ref returns the versioned reference of the record.
func (r Record) Ref() Ref {
	return Ref{Type: r.Type, ID: r.ID, Version: r.Version}
}

// Clone deep-copies the record including body and extensions.
func (r Record) Clone() Record {
	cp := r
	cp.Meta.Extensions = r.Meta.Extensions.Clone()
	cp.Body = cloneBody(r.Body)
	return cp
}

func cloneBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	return cloneAnyMap(body)
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneAnyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneAny(item)
		}
		return out
	default:
		return typed
	}
}

// Owner returns the account username tag attached to the record, if any.
func (r Record) Owner() (string, bool) {
	return r.Meta.Extensions.GetString(extension.URIAccountOwner)
}

// SetOwner tags the record with the owning account username.
func (r *Record) SetOwner(username string) {
	r.Meta.Extensions.Set(extension.URIAccountOwner, username)
}

// ClearOwner removes the owner tag.
func (r *Record) ClearOwner() {
	r.Meta.Extensions.Remove(extension.URIAccountOwner)
}

// Links returns the ordered receipt link list attached to the record. The
// list names, oldest first, every receipt bundle that produced a version of
// this record.
func (r Record) Links() []Ref {
	raw, ok := r.Meta.Extensions.GetStrings(extension.URIReceiptLinks)
	if !ok {
		return nil
	}
	out := make([]Ref, 0, len(raw))
	for _, s := range raw {
		ref, err := ParseRef(s)
		if err != nil {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// SetLinks replaces the receipt link list.
func (r *Record) SetLinks(links []Ref) {
	raw := make([]any, len(links))
	for i, ref := range links {
		raw[i] = Ref{Type: ref.Type, ID: ref.ID}.String()
	}
	r.Meta.Extensions.Set(extension.URIReceiptLinks, raw)
}

// AppendLink appends a receipt reference to the link list.
func (r *Record) AppendLink(ref Ref) {
	r.SetLinks(append(r.Links(), ref))
}

// UsernameFromIdentity extracts the account username identifier from an
// identity record body, if present.
func UsernameFromIdentity(r Record) (string, bool) {
	identifiers, ok := r.Body["identifier"].([]any)
	if !ok {
		return "", false
	}
	for _, raw := range identifiers {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if system, _ := entry["system"].(string); system != UsernameSystem {
			continue
		}
		if value, _ := entry["value"].(string); value != "" {
			return value, true
		}
	}
	return "", false
}

// AddUsernameToIdentity stamps the account username identifier onto an
// identity record body, preserving any other identifiers.
func AddUsernameToIdentity(r *Record, username string) {
	entry := map[string]any{"system": UsernameSystem, "value": username}
	if r.Body == nil {
		r.Body = map[string]any{}
	}
	identifiers, _ := r.Body["identifier"].([]any)
	r.Body["identifier"] = append(identifiers, entry)
}

// NewSkeletonIdentity builds the minimal identity record for an account: the
// username identifier and the owner tag, nothing else.
func NewSkeletonIdentity(username string) Record {
	rec := Record{
		Type: IdentityType,
		Body: map[string]any{
			"identifier": []any{map[string]any{"system": UsernameSystem, "value": username}},
		},
		Meta: Meta{Extensions: extension.NewContainer()},
	}
	rec.SetOwner(username)
	return rec
}

// identityRefFields are the body fields scanned for a linked identity
// reference on non-identity records.
var identityRefFields = []string{"subject", "patient", "beneficiary"}

// IdentityRef returns the identity reference ("Patient/<id>" or the shared
// sentinel form) linked from the record body, if any.
func (r Record) IdentityRef() (Ref, bool) {
	for _, field := range identityRefFields {
		entry, ok := r.Body[field].(map[string]any)
		if !ok {
			continue
		}
		raw, _ := entry["reference"].(string)
		if raw == "" {
			continue
		}
		ref, err := ParseRef(raw)
		if err != nil || ref.Type != IdentityType {
			continue
		}
		return Ref{Type: ref.Type, ID: ref.ID}, true
	}
	return Ref{}, false
}
