package buildinfo

import "testing"

func TestString(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	Version, Commit, Date = "1.2.3", "deadbeef", "2024-06-01"
	defer func() {
		Version, Commit, Date = oldVersion, oldCommit, oldDate
	}()

	got := String()
	want := "1.2.3 (commit deadbeef, built 2024-06-01)"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
