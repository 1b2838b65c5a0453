package storage

import (
	"path/filepath"
	"testing"
)

type sampleDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestDocDir_PutGetRoundTrip(t *testing.T) {
	d, err := NewDocDir(filepath.Join(t.TempDir(), "tasks"))
	if err != nil {
		t.Fatalf("NewDocDir() error = %v", err)
	}

	in := sampleDoc{Name: "demo", Count: 3}
	if err := d.Put("task-1", in); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var out sampleDoc
	ok, err := d.Get("task-1", &out)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() reported record missing")
	}
	if out != in {
		t.Errorf("Get() = %+v, want %+v", out, in)
	}
}

func TestDocDir_GetMissing(t *testing.T) {
	d, err := NewDocDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDocDir() error = %v", err)
	}
	var out sampleDoc
	ok, err := d.Get("nope", &out)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() reported a missing record as present")
	}
}

func TestDocDir_RemoveIdempotent(t *testing.T) {
	d, err := NewDocDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDocDir() error = %v", err)
	}
	if err := d.Put("x", sampleDoc{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := d.Remove("x"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := d.Remove("x"); err != nil {
		t.Errorf("second Remove() error = %v, want nil", err)
	}
}

func TestDocDir_List(t *testing.T) {
	d, err := NewDocDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDocDir() error = %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := d.Put(id, sampleDoc{Name: id}); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	var ids []string
	err = d.List(func(id string, raw []byte) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("List() visited %d records, want 3", len(ids))
	}
}

func TestSanitizeID(t *testing.T) {
	got := SanitizeID("slack:C1/..%x")
	if got != "slack_C1_.._x" {
		t.Errorf("SanitizeID() = %q, want %q", got, "slack_C1_.._x")
	}
}

func TestOpenInMemory_AppliesDDL(t *testing.T) {
	db, err := OpenInMemory(`CREATE TABLE t (id TEXT PRIMARY KEY, v TEXT)`)
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO t (id, v) VALUES ('a', 'b')`); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	var v string
	if err := db.QueryRow(`SELECT v FROM t WHERE id = 'a'`).Scan(&v); err != nil {
		t.Fatalf("QueryRow() error = %v", err)
	}
	if v != "b" {
		t.Errorf("stored value = %q, want %q", v, "b")
	}
}
