package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mqdeck-io/mqdeck/internal/session"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "connections.json"), nil)
}

func sampleConfig(name string) session.Config {
	return session.Config{
		Name:     name,
		ClientID: "mqdeck-" + name,
		Host:     "broker.local",
		Port:     1883,
		Protocol: "mqtt",
		QoS:      session.AtLeastOnce,
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := testStore(t)
	cfgs, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfgs) != 0 {
		t.Fatalf("missing file loaded %d configs, want 0", len(cfgs))
	}
}

func TestAddAssignsID(t *testing.T) {
	s := testStore(t)

	stored, err := s.Add(sampleConfig("dev"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("Add did not assign an id")
	}
	if stored.Description == "" {
		t.Fatal("Add did not derive a description")
	}

	got, err := s.Get(stored.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "dev" || got.ID != stored.ID {
		t.Fatalf("Get returned %+v, want the stored config", got)
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	s := testStore(t)
	cfg := sampleConfig("dup")
	cfg.ID = "fixed-id"
	if _, err := s.Add(cfg); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := s.Add(cfg); err == nil {
		t.Fatal("second Add with same id succeeded")
	}
}

func TestAddRejectsInvalidConfig(t *testing.T) {
	s := testStore(t)
	cfg := sampleConfig("bad")
	cfg.Host = ""
	if _, err := s.Add(cfg); err == nil {
		t.Fatal("Add accepted a config without a host")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)

	in := []session.Config{sampleConfig("a"), sampleConfig("b")}
	for i := range in {
		in[i].ID = in[i].Name
		in[i].SetDefaults()
	}
	in[1].TLS = true
	in[1].LastWillTopic = "will/topic"
	in[1].LastWillPayload = []byte("offline")

	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}

	// a second save of the loaded list must not change the file
	before, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if err := s.Save(out); err != nil {
		t.Fatalf("re-Save: %v", err)
	}
	after, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("Save(Load()) changed the file contents")
	}
}

func TestEnvelopeVersion(t *testing.T) {
	s := testStore(t)
	if err := s.Save(nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(data), `"version": 1`) {
		t.Fatalf("envelope missing version field:\n%s", data)
	}

	if err := os.WriteFile(s.Path(), []byte(`{"version":99,"items":[]}`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatal("Load accepted an unknown format version")
	}
}

func TestRemoveByID(t *testing.T) {
	s := testStore(t)
	a, err := s.Add(sampleConfig("a"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := s.Add(sampleConfig("b"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.RemoveByID(a.ID); err != nil {
		t.Fatalf("RemoveByID: %v", err)
	}
	if _, err := s.Get(a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get removed id err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(b.ID); err != nil {
		t.Fatalf("remaining config lost: %v", err)
	}

	if err := s.RemoveByID("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RemoveByID unknown err = %v, want ErrNotFound", err)
	}
}

func TestSortByName(t *testing.T) {
	cfgs := []session.Config{
		{ID: "2", Name: "beta"},
		{ID: "1", Name: "alpha"},
		{ID: "3", Name: "alpha"},
	}
	SortByName(cfgs)
	got := []string{cfgs[0].ID, cfgs[1].ID, cfgs[2].ID}
	want := []string{"1", "3", "2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
