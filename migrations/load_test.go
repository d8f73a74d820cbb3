package migrations

import "testing"

func TestLoadOrdersAndChecksumsFiles(t *testing.T) {
	got, err := load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(got))
	}
	seen := map[string]bool{}
	for i, m := range got {
		if i > 0 && got[i-1].name >= m.name {
			t.Fatalf("expected filename order, got %s before %s", got[i-1].name, m.name)
		}
		if len(m.checksum) != 64 || seen[m.checksum] {
			t.Fatalf("unexpected checksum %q for %s", m.checksum, m.name)
		}
		seen[m.checksum] = true
	}
}
