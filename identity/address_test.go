package identity

import "testing"

func TestAddressKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"123 Main St, Apt 4B", "123 main st apt 4b"},
		{"123 main street apartment 4b", "123 main st apt 4b"},
		{"123 Main Street, Apartment 4-B", "123 main st apt 4b"},
		{"  45 N. Broad Avenue #12 ", "45 n broad ave apt 12"},
		{"45 North Broad Ave, Unit 12", "45 n broad ave apt 12"},
		{"9 Elm Rd Apt #3", "9 elm rd apt 3"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := AddressKey(tt.in); got != tt.want {
			t.Errorf("AddressKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddressKeyIdempotent(t *testing.T) {
	for _, addr := range []string{"123 Main St, Apt 4B", "700 W. Lancaster Avenue, Suite 2"} {
		once := AddressKey(addr)
		if twice := AddressKey(once); twice != once {
			t.Errorf("AddressKey not idempotent: %q -> %q", once, twice)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if s := Similarity("123 Main St Apt 4B", "123 main street, apartment 4-b"); s != 1 {
		t.Fatalf("expected identical keys, got similarity %v", s)
	}

	s := Similarity("123 Main St Apt 4B", "123 Main St Apt 4C")
	if s < 0.9 || s >= 1 {
		t.Fatalf("one-character unit difference: got %v", s)
	}

	if s := Similarity("123 Main St", "987 Oak Ave"); s > 0.5 {
		t.Fatalf("unrelated addresses too similar: %v", s)
	}
}

func TestAddressesMatch(t *testing.T) {
	if !AddressesMatch("123 Main St Apt 4B", "123 main street, apartment 4-b", DefaultMatchThreshold) {
		t.Fatal("expected match")
	}
	if AddressesMatch("123 Main St", "125 Main St Apt 9", DefaultMatchThreshold) {
		t.Fatal("different building matched")
	}
	if AddressesMatch("", "", DefaultMatchThreshold) {
		t.Fatal("empty addresses should never match")
	}
}
