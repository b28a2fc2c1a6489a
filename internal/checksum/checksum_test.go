package checksum

import "testing"

func TestSum(t *testing.T) {
	got := Sum([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("Sum = %s, want %s", got, want)
	}
}

func TestMatch(t *testing.T) {
	sum := Sum([]byte("entity"))
	tests := []struct {
		name    string
		ifMatch string
		sum     string
		want    bool
	}{
		{"bare", sum, sum, true},
		{"quoted", ETag(sum), sum, true},
		{"weak", "W/" + ETag(sum), sum, true},
		{"list", `"other", ` + ETag(sum), sum, true},
		{"wildcard", "*", sum, true},
		{"stale", ETag("deadbeef"), sum, false},
		{"missing file", "*", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.ifMatch, tt.sum); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.ifMatch, got, tt.want)
			}
		})
	}
}
