package embedding

import (
	"errors"
	"math"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		id   string
		want Kind
	}{
		{"file:/tmp/a.txt", KindFile},
		{"image:/tmp/a.png", KindImage},
		{"folder:/tmp/dir", KindFolder},
		{"bogus:123", KindUnknown},
	}
	for _, c := range cases {
		if got := KindOf(c.id); got != c.want {
			t.Errorf("KindOf(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindFile.String() != "file" {
		t.Errorf("KindFile.String() = %q, want file", KindFile.String())
	}
	if KindImage.String() != "file" {
		t.Errorf("KindImage.String() = %q, want file (routes same as file)", KindImage.String())
	}
	if KindFolder.String() != "folder" {
		t.Errorf("KindFolder.String() = %q, want folder", KindFolder.String())
	}
	if KindUnknown.String() != "unknown" {
		t.Errorf("KindUnknown.String() = %q, want unknown", KindUnknown.String())
	}
}

func TestItemCloneIsIndependent(t *testing.T) {
	orig := Item{
		ID:     "file:/a",
		Vector: []float64{1, 2, 3},
		Meta:   map[string]any{"name": "a"},
	}
	clone := orig.Clone()
	clone.Vector[0] = 99
	clone.Meta["name"] = "b"

	if orig.Vector[0] != 1 {
		t.Errorf("mutating clone's vector mutated original: %v", orig.Vector)
	}
	if orig.Meta["name"] != "a" {
		t.Errorf("mutating clone's meta mutated original: %v", orig.Meta)
	}
}

func TestItemValidate(t *testing.T) {
	cases := []struct {
		name    string
		item    Item
		wantErr error
	}{
		{"empty id", Item{Vector: []float64{1}}, ErrInvalidItem},
		{"empty vector", Item{ID: "file:/a"}, ErrInvalidVectorFormat},
		{"nan value", Item{ID: "file:/a", Vector: []float64{math.NaN()}}, ErrInvalidVectorValues},
		{"inf value", Item{ID: "file:/a", Vector: []float64{math.Inf(1)}}, ErrInvalidVectorValues},
		{"valid", Item{ID: "file:/a", Vector: []float64{1, 2}}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.item.Validate()
			if c.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Errorf("Validate() = %v, want wrapping %v", err, c.wantErr)
			}
		})
	}
}

func TestItemMetaString(t *testing.T) {
	it := Item{Meta: map[string]any{"name": "file.txt", "count": 3}}
	if got := it.MetaString("name"); got != "file.txt" {
		t.Errorf("MetaString(name) = %q, want file.txt", got)
	}
	if got := it.MetaString("count"); got != "" {
		t.Errorf("MetaString(count) = %q, want empty (not a string)", got)
	}
	if got := it.MetaString("missing"); got != "" {
		t.Errorf("MetaString(missing) = %q, want empty", got)
	}

	var nilMeta Item
	if got := nilMeta.MetaString("name"); got != "" {
		t.Errorf("MetaString on nil meta = %q, want empty", got)
	}
}

func TestNewDeadLetterEntry(t *testing.T) {
	f := FailedEntry{
		Item:       Item{ID: "folder:/x"},
		RetryCount: 4,
		Error:      "boom",
	}
	dl := NewDeadLetterEntry(f, f.LastAttempt)
	if dl.ItemID != "folder:/x" {
		t.Errorf("ItemID = %q, want folder:/x", dl.ItemID)
	}
	if dl.ItemType != "folder" {
		t.Errorf("ItemType = %q, want folder", dl.ItemType)
	}
	if dl.RetryCount != 4 || dl.Error != "boom" {
		t.Errorf("dl = %+v, did not carry over retry count/error", dl)
	}
}

func TestPercentOf(t *testing.T) {
	if got := PercentOf(0, 0); got != 0 {
		t.Errorf("PercentOf(0,0) = %v, want 0", got)
	}
	if got := PercentOf(5, 10); got != 50 {
		t.Errorf("PercentOf(5,10) = %v, want 50", got)
	}
}
