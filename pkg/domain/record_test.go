package domain

import (
	"reflect"
	"testing"

	"healthcore/pkg/extension"
)

func TestParseRef(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    Ref
		wantErr bool
	}{
		{name: "plain", input: "Observation/abc", want: Ref{Type: "Observation", ID: "abc"}},
		{name: "versioned", input: "Patient/p1/_history/3", want: Ref{Type: "Patient", ID: "p1", Version: 3}},
		{name: "missing id", input: "Observation/", wantErr: true},
		{name: "bad history marker", input: "Patient/p1/history/3", wantErr: true},
		{name: "bad version", input: "Patient/p1/_history/zero", wantErr: true},
		{name: "zero version", input: "Patient/p1/_history/0", wantErr: true},
		{name: "too many segments", input: "a/b/c", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRef(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v got %+v", tc.want, got)
			}
		})
	}
}

func TestRefStringRoundTrip(t *testing.T) {
	for _, ref := range []Ref{
		{Type: "Bundle", ID: "b1"},
		{Type: "Patient", ID: "p1", Version: 7},
	} {
		parsed, err := ParseRef(ref.String())
		if err != nil {
			t.Fatalf("parse %q: %v", ref.String(), err)
		}
		if parsed != ref {
			t.Fatalf("round trip mismatch: %+v vs %+v", ref, parsed)
		}
	}
}

func TestRecordCloneIsolation(t *testing.T) {
	rec := Record{
		Type: "Observation",
		ID:   "o1",
		Body: map[string]any{"code": map[string]any{"text": "bp"}},
		Meta: Meta{Extensions: extension.NewContainer()},
	}
	rec.SetOwner("aardvark")

	cp := rec.Clone()
	cp.Body["code"].(map[string]any)["text"] = "hr"
	cp.SetOwner("badger")

	if rec.Body["code"].(map[string]any)["text"] != "bp" {
		t.Fatalf("clone leaked body mutation")
	}
	if owner, _ := rec.Owner(); owner != "aardvark" {
		t.Fatalf("clone leaked extension mutation: %q", owner)
	}
}

func TestLinkListRoundTrip(t *testing.T) {
	rec := Record{Type: "Observation", ID: "o1", Meta: Meta{Extensions: extension.NewContainer()}}
	if got := rec.Links(); got != nil {
		t.Fatalf("expected no links, got %v", got)
	}
	rec.AppendLink(Ref{Type: BundleType, ID: "b1"})
	rec.AppendLink(Ref{Type: BundleType, ID: "b2", Version: 9})

	links := rec.Links()
	want := []Ref{{Type: BundleType, ID: "b1"}, {Type: BundleType, ID: "b2"}}
	if !reflect.DeepEqual(links, want) {
		t.Fatalf("expected %v got %v", want, links)
	}
}

func TestUsernameFromIdentity(t *testing.T) {
	rec := NewSkeletonIdentity("cheetah")
	username, ok := UsernameFromIdentity(rec)
	if !ok || username != "cheetah" {
		t.Fatalf("expected cheetah, got %q (%v)", username, ok)
	}
	if owner, _ := rec.Owner(); owner != "cheetah" {
		t.Fatalf("skeleton must carry owner tag, got %q", owner)
	}

	other := Record{Type: IdentityType, Body: map[string]any{
		"identifier": []any{map[string]any{"system": "urn:other", "value": "x"}},
	}}
	if _, ok := UsernameFromIdentity(other); ok {
		t.Fatalf("expected no username for foreign identifier system")
	}
}

func TestAddUsernameToIdentityPreservesIdentifiers(t *testing.T) {
	rec := Record{Type: IdentityType, Body: map[string]any{
		"identifier": []any{map[string]any{"system": "urn:mrn", "value": "42"}},
	}}
	AddUsernameToIdentity(&rec, "dingo")
	username, ok := UsernameFromIdentity(rec)
	if !ok || username != "dingo" {
		t.Fatalf("expected dingo, got %q", username)
	}
	if len(rec.Body["identifier"].([]any)) != 2 {
		t.Fatalf("existing identifiers must be preserved")
	}
}

func TestIdentityRef(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
		want Ref
		ok   bool
	}{
		{
			name: "subject",
			body: map[string]any{"subject": map[string]any{"reference": "Patient/p1"}},
			want: Ref{Type: IdentityType, ID: "p1"}, ok: true,
		},
		{
			name: "beneficiary",
			body: map[string]any{"beneficiary": map[string]any{"reference": "Patient/p2"}},
			want: Ref{Type: IdentityType, ID: "p2"}, ok: true,
		},
		{
			name: "non identity reference",
			body: map[string]any{"subject": map[string]any{"reference": "Group/g1"}},
		},
		{name: "no reference", body: map[string]any{"code": "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Record{Type: "Observation", Body: tc.body}
			got, ok := rec.IdentityRef()
			if ok != tc.ok {
				t.Fatalf("expected ok=%v got %v", tc.ok, ok)
			}
			if ok && got != tc.want {
				t.Fatalf("expected %+v got %+v", tc.want, got)
			}
		})
	}
}
