package sembow

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLabelRegistry(t *testing.T) {
	reg := NewLabelRegistry(map[int32]string{
		0: "person",
		9: "traffic light",
	})

	if reg.Size() != 2 {
		t.Fatalf("Size = %d, expected 2", reg.Size())
	}
	if name, ok := reg.ClassName(9); !ok || name != "traffic light" {
		t.Errorf("ClassName(9) = (%q, %v)", name, ok)
	}
	if _, ok := reg.ClassName(5); ok {
		t.Error("ClassName of an unknown id must report absence")
	}
}

func TestClassByNameNormalization(t *testing.T) {
	reg := NewLabelRegistry(map[int32]string{9: "traffic light"})

	for _, q := range []string{"traffic light", "Traffic Light", "TRAFFIC  LIGHT", "  traffic   light  "} {
		if id, ok := reg.ClassByName(q); !ok || id != 9 {
			t.Errorf("ClassByName(%q) = (%d, %v), expected (9, true)", q, id, ok)
		}
	}
	if _, ok := reg.ClassByName("stoplight"); ok {
		t.Error("ClassByName of an unknown name must report absence")
	}
}

func TestClassByNameDuplicateKeepsLowestID(t *testing.T) {
	reg := NewLabelRegistry(map[int32]string{
		3: "Bicycle",
		7: "bicycle",
	})
	if id, ok := reg.ClassByName("bicycle"); !ok || id != 3 {
		t.Errorf("duplicate name must resolve to the lowest id, got (%d, %v)", id, ok)
	}
}

func TestSearchClasses(t *testing.T) {
	reg := NewLabelRegistry(map[int32]string{
		1: "traffic light",
		2: "stop sign",
		3: "light switch",
	})

	tests := []struct {
		name     string
		query    string
		expected []int32
	}{
		{name: "shared token", query: "light", expected: []int32{1, 3}},
		{name: "both tokens", query: "traffic light", expected: []int32{1}},
		{name: "case insensitive", query: "STOP", expected: []int32{2}},
		{name: "no match", query: "bicycle", expected: nil},
		{name: "empty query", query: "", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.SearchClasses(tt.query)
			if len(got) != len(tt.expected) {
				t.Fatalf("SearchClasses(%q) = %v, expected %v", tt.query, got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("SearchClasses(%q) = %v, expected %v", tt.query, got, tt.expected)
					break
				}
			}
		})
	}
}

func TestLoadLabelFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "classes.json")
		content := `{"classes": [{"id": 0, "name": "person"}, {"id": 9, "name": "traffic light"}]}`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		reg, err := LoadLabelFile(path)
		if err != nil {
			t.Fatalf("LoadLabelFile unexpected error: %v", err)
		}
		if reg.Size() != 2 {
			t.Errorf("Size = %d, expected 2", reg.Size())
		}
		if id, ok := reg.ClassByName("Person"); !ok || id != 0 {
			t.Errorf("ClassByName(Person) = (%d, %v), expected (0, true)", id, ok)
		}
	})

	t.Run("reserved id", func(t *testing.T) {
		path := filepath.Join(dir, "reserved.json")
		content := `{"classes": [{"id": -1, "name": "background"}]}`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadLabelFile(path); err == nil {
			t.Error("class id -1 must be rejected")
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		if err := os.WriteFile(path, []byte(`{"classes": [`), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadLabelFile(path); err == nil {
			t.Error("malformed JSON must be rejected")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadLabelFile(filepath.Join(dir, "absent.json")); err == nil {
			t.Error("missing file must fail")
		}
	})
}

func TestLabelDecision(t *testing.T) {
	reg := NewLabelRegistry(map[int32]string{
		1: "traffic light",
		2: "Traffic  Light",
		3: "person",
	})

	tests := []struct {
		name          string
		reg           *LabelRegistry
		query, stored int32
		expected      LabelDecision
	}{
		{name: "query unlabeled", reg: reg, query: UnlabeledClass, stored: 3, expected: LabelNeutral},
		{name: "stored unlabeled", reg: reg, query: 3, stored: UnlabeledClass, expected: LabelNeutral},
		{name: "both unlabeled", reg: nil, query: UnlabeledClass, stored: UnlabeledClass, expected: LabelNeutral},
		{name: "same id", reg: nil, query: 3, stored: 3, expected: LabelAgree},
		{name: "different ids without registry", reg: nil, query: 1, stored: 2, expected: LabelDisagree},
		{name: "different ids same name", reg: reg, query: 1, stored: 2, expected: LabelAgree},
		{name: "different ids different names", reg: reg, query: 1, stored: 3, expected: LabelDisagree},
		{name: "unknown ids", reg: reg, query: 50, stored: 60, expected: LabelDisagree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reg.Decision(tt.query, tt.stored); got != tt.expected {
				t.Errorf("Decision(%d, %d) = %v, expected %v", tt.query, tt.stored, got, tt.expected)
			}
		})
	}
}

func TestNilRegistry(t *testing.T) {
	var reg *LabelRegistry
	if reg.Size() != 0 {
		t.Error("nil registry Size must be 0")
	}
	if _, ok := reg.ClassName(1); ok {
		t.Error("nil registry ClassName must report absence")
	}
	if _, ok := reg.ClassByName("person"); ok {
		t.Error("nil registry ClassByName must report absence")
	}
	if got := reg.SearchClasses("person"); got != nil {
		t.Error("nil registry SearchClasses must return nil")
	}
}
