package protocol

import "testing"

func TestParseFQN_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		version string
	}{
		{"com.example.chat", "1.0.0"},
		{"io.xtr-dev.rondevu", "2.3.4-beta.1"},
		{"a.bc", "0.0.1"},
	}

	for _, tt := range tests {
		fqn := FormatFQN(tt.name, tt.version)
		gotName, gotVersion, err := ParseFQN(fqn)
		if err != nil {
			t.Fatalf("ParseFQN(%q) returned error: %v", fqn, err)
		}
		if gotName != tt.name || gotVersion != tt.version {
			t.Errorf("ParseFQN(%q) = (%q, %q), want (%q, %q)", fqn, gotName, gotVersion, tt.name, tt.version)
		}
	}
}

func TestParseFQN_Invalid(t *testing.T) {
	t.Parallel()

	tests := []string{
		"noatsign",
		"ab@1.0.0",            // name too short
		"Com.Example@1.0.0",   // uppercase not allowed
		"com.example@1.0",     // version missing patch
		"com.example@v1.0.0",  // version must not have leading 'v'
		"-com.example@1.0.0",  // name must not start with hyphen
	}
	for _, fqn := range tests {
		if _, _, err := ParseFQN(fqn); err == nil {
			t.Errorf("ParseFQN(%q) = nil error, want error", fqn)
		}
	}
}

func TestClaimMessage(t *testing.T) {
	t.Parallel()

	got := ClaimMessage("alice", 1700000000000)
	want := "claim:alice:1700000000000"
	if got != want {
		t.Errorf("ClaimMessage() = %q, want %q", got, want)
	}
}

func TestPublishMessage(t *testing.T) {
	t.Parallel()

	got := PublishMessage("alice", "com.example.chat@1.0.0", 1700000000000)
	want := "publish:alice:com.example.chat@1.0.0:1700000000000"
	if got != want {
		t.Errorf("PublishMessage() = %q, want %q", got, want)
	}
}

func TestCredentialBearer(t *testing.T) {
	t.Parallel()

	c := Credential{PeerID: "p1", Secret: "s1"}
	if got, want := c.Bearer(), "p1:s1"; got != want {
		t.Errorf("Bearer() = %q, want %q", got, want)
	}
	if c.IsZero() {
		t.Error("IsZero() = true for populated credential")
	}
	if !(Credential{}).IsZero() {
		t.Error("IsZero() = false for zero-value credential")
	}
}

func TestOfferAnswered(t *testing.T) {
	t.Parallel()

	o := Offer{ID: "o1"}
	if o.Answered() {
		t.Error("Answered() = true before AnsweredAt is set")
	}
}

func TestRoleOpposite(t *testing.T) {
	t.Parallel()

	if RoleOfferer.Opposite() != RoleAnswerer {
		t.Error("RoleOfferer.Opposite() != RoleAnswerer")
	}
	if RoleAnswerer.Opposite() != RoleOfferer {
		t.Error("RoleAnswerer.Opposite() != RoleOfferer")
	}
}
