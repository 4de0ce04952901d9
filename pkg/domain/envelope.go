package domain

import (
	"encoding/json"
	"fmt"

	"healthcore/pkg/extension"
)

// Envelope kinds.
const (
	EnvelopeMessage     = "message"
	EnvelopeTransaction = "transaction"
	EnvelopeBatch       = "batch"
)

// ReceiptEvent marks a message envelope as a data receipt.
const ReceiptEvent = "urn:healthcore:receipt"

// Verb names a write operation carried by an envelope entry.
type Verb string

const (
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

// Entry is one element of an envelope: a resource snapshot plus the write it
// requests. Stored is the system-managed back-link to the committed record
// and is patched after commit; the snapshot itself is never mutated.
type Entry struct {
	Resource *Record `json:"resource,omitempty"`
	Verb     Verb    `json:"verb,omitempty"`
	Target   string  `json:"target,omitempty"`
	Stored   *Ref    `json:"stored,omitempty"`
}

// Envelope is an ordered write-set: a message receipt, a transaction, or a
// batch.
type Envelope struct {
	Kind    string  `json:"kind"`
	Entries []Entry `json:"entries"`
}

// Clone deep-copies the envelope including all resource snapshots.
func (e Envelope) Clone() Envelope {
	cp := Envelope{Kind: e.Kind, Entries: make([]Entry, len(e.Entries))}
	for i, entry := range e.Entries {
		cloned := Entry{Verb: entry.Verb, Target: entry.Target}
		if entry.Resource != nil {
			rec := entry.Resource.Clone()
			cloned.Resource = &rec
		}
		if entry.Stored != nil {
			ref := *entry.Stored
			cloned.Stored = &ref
		}
		cp.Entries[i] = cloned
	}
	return cp
}

// Header is the typed view of a receipt header record: the event marker, the
// submitting source, the focus references (bundle then identity), and the
// account username.
type Header struct {
	Event   string
	Source  string
	Account string
	Focus   []Ref
}

// Record encodes the header as a storable record.
func (h Header) Record() Record {
	focus := make([]any, len(h.Focus))
	for i, ref := range h.Focus {
		focus[i] = Ref{Type: ref.Type, ID: ref.ID}.String()
	}
	rec := Record{
		Type: HeaderType,
		Body: map[string]any{
			"event":  h.Event,
			"source": h.Source,
			"focus":  focus,
		},
		Meta: Meta{Source: h.Source, Extensions: extension.NewContainer()},
	}
	if h.Account != "" {
		rec.Meta.Extensions.Set(extension.URIAccountUsername, h.Account)
	}
	return rec
}

// HeaderFromRecord decodes a header record into its typed view.
func HeaderFromRecord(rec Record) (Header, error) {
	if rec.Type != HeaderType {
		return Header{}, Unprocessablef("record %s is not a receipt header", rec.Ref())
	}
	h := Header{}
	h.Event, _ = rec.Body["event"].(string)
	h.Source, _ = rec.Body["source"].(string)
	h.Account, _ = rec.Meta.Extensions.GetString(extension.URIAccountUsername)
	if rawFocus, ok := rec.Body["focus"].([]any); ok {
		for _, raw := range rawFocus {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			ref, err := ParseRef(s)
			if err != nil {
				return Header{}, Unprocessablef("invalid focus reference %q", s)
			}
			h.Focus = append(h.Focus, ref)
		}
	}
	return h, nil
}

// FocusBundle returns the receipt bundle reference from the header focus.
func (h Header) FocusBundle() (Ref, bool) {
	for _, ref := range h.Focus {
		if ref.Type == BundleType {
			return ref, true
		}
	}
	return Ref{}, false
}

// FocusIdentity returns the identity reference from the header focus.
func (h Header) FocusIdentity() (Ref, bool) {
	for _, ref := range h.Focus {
		if ref.Type == IdentityType {
			return ref, true
		}
	}
	return Ref{}, false
}

// Header returns the typed receipt header when the first entry of the
// envelope is a header resource.
func (e Envelope) Header() (Header, bool) {
	if len(e.Entries) == 0 || e.Entries[0].Resource == nil {
		return Header{}, false
	}
	if e.Entries[0].Resource.Type != HeaderType {
		return Header{}, false
	}
	h, err := HeaderFromRecord(*e.Entries[0].Resource)
	if err != nil {
		return Header{}, false
	}
	return h, true
}

// IsReceipt reports whether the envelope is a data receipt: a message
// envelope whose leading header carries the receipt event.
func (e Envelope) IsReceipt() bool {
	if e.Kind != EnvelopeMessage {
		return false
	}
	h, ok := e.Header()
	return ok && h.Event == ReceiptEvent
}

// EncodeEnvelope encodes the envelope as a storable bundle record. The
// encoding is a JSON round trip so the stored body stays a plain map.
func EncodeEnvelope(env Envelope) (Record, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return Record{}, Internalf("encode envelope: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return Record{}, Internalf("encode envelope body: %w", err)
	}
	return Record{Type: BundleType, Body: body, Meta: Meta{Extensions: extension.NewContainer()}}, nil
}

// DecodeEnvelope decodes a stored bundle record back into an envelope.
func DecodeEnvelope(rec Record) (Envelope, error) {
	if rec.Type != BundleType {
		return Envelope{}, Unprocessablef("record %s is not a receipt bundle", rec.Ref())
	}
	data, err := json.Marshal(rec.Body)
	if err != nil {
		return Envelope{}, Internalf("decode bundle %s: %w", rec.ID, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, Internalf("decode bundle %s: %w", rec.ID, err)
	}
	return env, nil
}

// EntryFor returns the index of the newest envelope entry whose committed
// record matches the given type and id. An envelope can write a record more
// than once; the last entry carries the version it left behind.
func (e Envelope) EntryFor(typ, id string) (int, bool) {
	for i := len(e.Entries) - 1; i >= 0; i-- {
		stored := e.Entries[i].Stored
		if stored != nil && stored.Type == typ && stored.ID == id {
			return i, true
		}
	}
	return 0, false
}

// String renders a short envelope description for logs.
func (e Envelope) String() string {
	return fmt.Sprintf("%s envelope (%d entries)", e.Kind, len(e.Entries))
}
