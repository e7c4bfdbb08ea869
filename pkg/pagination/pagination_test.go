package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalizeLimit(t *testing.T) {
	if got := NormalizeLimit(0); got != DefaultLimit {
		t.Fatalf("expected default %d, got %d", DefaultLimit, got)
	}
	if got := NormalizeLimit(500); got != MaxLimit {
		t.Fatalf("expected max %d, got %d", MaxLimit, got)
	}
	if got := LimitWithBuffer(10); got != 11 {
		t.Fatalf("expected 11, got %d", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC), ID: uuid.New()}
	out, err := ParseCursor(EncodeCursor(in))
	if err != nil {
		t.Fatalf("parse cursor: %v", err)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || out.ID != in.ID {
		t.Fatalf("cursor mismatch: %+v vs %+v", out, in)
	}
	if c, err := ParseCursor(""); err != nil || c != nil {
		t.Fatalf("empty cursor should be nil, got %v %v", c, err)
	}
	if _, err := ParseCursor("!!!"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPageTrimsBufferedRow(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]Cursor, 3)
	for i := range rows {
		rows[i] = Cursor{CreatedAt: base.Add(-time.Duration(i) * time.Minute), ID: uuid.New()}
	}
	identity := func(c Cursor) Cursor { return c }

	page, next := Page(rows, 2, identity)
	if len(page) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page))
	}
	if next != EncodeCursor(rows[1]) {
		t.Fatalf("next cursor should point at last returned row")
	}

	page, next = Page(rows, 5, identity)
	if len(page) != 3 || next != "" {
		t.Fatalf("expected full page without cursor, got %d %q", len(page), next)
	}
}
