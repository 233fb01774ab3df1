package pagination

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cursor := Encode(42)
	if cursor == "" {
		t.Fatal("empty cursor")
	}

	id, err := Decode(cursor)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if id != 42 {
		t.Errorf("Decode = %d, want 42", id)
	}
}

func TestDecodeEmpty(t *testing.T) {
	id, err := Decode("")
	if err != nil {
		t.Fatalf("Decode empty: %v", err)
	}
	if id != 0 {
		t.Errorf("empty cursor = %d, want 0", id)
	}
}

func TestDecodeInvalid(t *testing.T) {
	cases := []string{
		"not-base64!!!",
		Encode(0),
		Encode(-5),
		"aGVsbG8=", // base64("hello"), not a number
	}
	for _, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Errorf("Decode(%q) should fail", c)
		}
	}
}

type item struct{ id int64 }

func TestComputePage(t *testing.T) {
	sourceID := func(it item) int64 { return it.id }

	// Fewer than limit: no next page.
	items := []item{{10}, {9}}
	page, cursor, more := ComputePage(items, 3, sourceID)
	if len(page) != 2 || cursor != "" || more {
		t.Errorf("short page = %d items, cursor %q, more %v", len(page), cursor, more)
	}

	// Exactly limit+1: trimmed, cursor points at last returned item.
	items = []item{{10}, {9}, {8}, {7}}
	page, cursor, more = ComputePage(items, 3, sourceID)
	if len(page) != 3 || !more {
		t.Fatalf("full page = %d items, more %v", len(page), more)
	}
	id, err := Decode(cursor)
	if err != nil {
		t.Fatalf("Decode next cursor: %v", err)
	}
	if id != 8 {
		t.Errorf("next cursor = %d, want 8", id)
	}
}
