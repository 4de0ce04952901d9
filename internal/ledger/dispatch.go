package ledger

import (
	"healthcore/pkg/domain"
)

// entryContext carries the account resolution for one staged write-set.
type entryContext struct {
	identityID string
	username   string
}

// writePlan decides where an entry lands: the target id (empty lets the store
// assign one) and whether the write is an update of a live record.
type writePlan struct {
	id     string
	update bool
}

// entryHandler plans the write for one envelope entry. Handlers may rewrite
// the resource snapshot (rec) before it is committed.
type entryHandler interface {
	Plan(tx domain.Transaction, rec *domain.Record, entry domain.Entry, ec entryContext) (writePlan, error)
}

var entryHandlers = map[string]entryHandler{
	domain.IdentityType: identityHandler{},
}

func handlerFor(typ string) entryHandler {
	if h, ok := entryHandlers[typ]; ok {
		return h
	}
	return defaultHandler{}
}

// identityHandler routes every identity write onto the account's canonical
// identity record. The username identifier is stamped when absent and
// immutable when present.
type identityHandler struct{}

func (identityHandler) Plan(_ domain.Transaction, rec *domain.Record, _ domain.Entry, ec entryContext) (writePlan, error) {
	if username, ok := domain.UsernameFromIdentity(*rec); ok {
		if username != ec.username {
			return writePlan{}, domain.Unprocessablef("identity record claims username %q, account is %q", username, ec.username)
		}
	} else {
		domain.AddUsernameToIdentity(rec, ec.username)
	}
	return writePlan{id: ec.identityID, update: true}, nil
}

// defaultHandler covers opaque clinical types: explicit ids upsert in place,
// unidentified creates get a fresh id. A stored back-link wins over the
// submitted id so that replayed receipts land where they originally
// committed.
type defaultHandler struct{}

func (defaultHandler) Plan(tx domain.Transaction, rec *domain.Record, entry domain.Entry, _ entryContext) (writePlan, error) {
	id := rec.ID
	if entry.Stored != nil && entry.Stored.Type == rec.Type {
		id = entry.Stored.ID
	}
	if entry.Target != "" {
		ref, err := domain.ParseRef(entry.Target)
		if err != nil {
			return writePlan{}, domain.Unprocessablef("invalid entry target %q", entry.Target)
		}
		if ref.Type != rec.Type {
			return writePlan{}, domain.Unprocessablef("entry target %s does not match resource type %s", entry.Target, rec.Type)
		}
		id = ref.ID
	}
	if id == "" {
		return writePlan{}, nil
	}
	_, exists := tx.Find(rec.Type, id)
	return writePlan{id: id, update: exists}, nil
}
