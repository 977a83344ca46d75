package event

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindCreated, KindModified, KindDeleted, KindRenamed, KindDerived} {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", k.String(), err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}

	if _, err := ParseKind("chmod"); err == nil {
		t.Error("ParseKind(chmod) should fail")
	}
}

func TestFileEvent_Ext(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/notes/a.md", "md"},
		{"/notes/A.MarkDown", "markdown"},
		{"/notes/Makefile", ""},
		{"/notes/archive.tar.gz", "gz"},
	}

	for _, tt := range tests {
		if got := New(KindModified, tt.path).Ext(); got != tt.want {
			t.Errorf("Ext(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestWithMetadataCopies(t *testing.T) {
	ev := New(KindCreated, "/tmp/a.md")
	withMeta := ev.WithMetadata(42, time.Unix(100, 0))

	if ev.Metadata != nil {
		t.Error("WithMetadata mutated the original event")
	}
	if withMeta.Metadata == nil || withMeta.Metadata.Size != 42 {
		t.Errorf("Metadata = %+v, want size 42", withMeta.Metadata)
	}
}

func TestDerivedEvent_FileEvent(t *testing.T) {
	src := New(KindModified, "/vault/note.md")
	d := NewDerived(TypeNoteParsed, src)
	d.Note = &NoteSummary{Title: "Note", Wikilinks: []string{"a", "b"}}

	ev := d.FileEvent()
	if !ev.IsDerived() {
		t.Fatal("FileEvent() should be derived")
	}
	if ev.Path != src.Path {
		t.Errorf("Path = %q, want %q", ev.Path, src.Path)
	}
	if ev.Derived.ID == "" {
		t.Error("derived event ID should be set")
	}
	if got := len(ev.Derived.Note.Wikilinks); got != 2 {
		t.Errorf("len(Wikilinks) = %d, want 2", got)
	}
}

func TestMultiEmitter(t *testing.T) {
	var calls int
	ok := EmitterFunc(func(context.Context, DerivedEvent) error {
		calls++
		return nil
	})
	boom := errors.New("boom")
	failing := EmitterFunc(func(context.Context, DerivedEvent) error {
		calls++
		return boom
	})

	m := MultiEmitter{ok, failing, nil, NoopEmitter{}, ok}
	err := m.Emit(context.Background(), NewDerived(TypeNoteParsed, New(KindCreated, "/a.md")))
	if !errors.Is(err, boom) {
		t.Errorf("Emit() error = %v, want %v", err, boom)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
