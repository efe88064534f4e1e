// Package protocol defines the wire types exchanged with the rendezvous
// server: offers, answers, ICE candidate records, services, and the FQN
// grammar used to address them. It is intentionally free of transport code —
// internal/signaling does the HTTP work and only imports these types.
package protocol

import (
	"fmt"
	"regexp"
	"time"
)

// Credential is the bearer token issued by the rendezvous server at
// registration. It is immutable once obtained.
type Credential struct {
	PeerID string `json:"peerId"`
	Secret string `json:"secret"`
}

// Bearer returns the "peerId:secret" token sent in the Authorization header.
func (c Credential) Bearer() string {
	return c.PeerID + ":" + c.Secret
}

// IsZero reports whether the credential has not been populated.
func (c Credential) IsZero() bool {
	return c.PeerID == "" && c.Secret == ""
}

// Offer is a published SDP offer awaiting an answer. The server
// assigns ID and timestamps; AnswererPeerID/AnswerSDP/AnsweredAt are filled
// in by the server once a peer answers.
type Offer struct {
	ID             string     `json:"id"`
	SDP            string     `json:"sdp"`
	Topics         []string   `json:"topics,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	AnswererPeerID string     `json:"answererPeerId,omitempty"`
	AnswerSDP      string     `json:"answerSdp,omitempty"`
	AnsweredAt     *time.Time `json:"answeredAt,omitempty"`
}

// Answered reports whether the server has recorded an answer for this offer.
func (o Offer) Answered() bool {
	return o.AnsweredAt != nil
}

// Role identifies which side of a peer connection a candidate was gathered by.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Opposite returns the other role, used when filtering remote ICE candidates.
func (r Role) Opposite() Role {
	if r == RoleOfferer {
		return RoleAnswerer
	}
	return RoleOfferer
}

// IceCandidateRecord is one append-only ICE candidate record as stored by
// the server.
type IceCandidateRecord struct {
	Candidate     string    `json:"candidate"`
	SDPMid        string    `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16   `json:"sdpMLineIndex,omitempty"`
	Role          Role      `json:"role"`
	PeerID        string    `json:"peerId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AnsweredOffer is one entry from the batch GET /offers/answers poll.
type AnsweredOffer struct {
	OfferID        string    `json:"offerId"`
	AnswererPeerID string    `json:"answererPeerId"`
	SDP            string    `json:"sdp"`
	AnsweredAt     time.Time `json:"answeredAt"`
}

// Service is a published, discoverable endpoint addressed by UUID or by
// (username, FQN).
type Service struct {
	UUID      string            `json:"uuid"`
	Username  string            `json:"username"`
	FQN       string            `json:"fqn"`
	IsPublic  bool              `json:"isPublic"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	OfferID   string            `json:"offerId"`
	CreatedAt time.Time         `json:"createdAt"`
}

// fqnNamePattern and fqnVersionPattern implement the FQN grammar:
// <reverse-dns-name>@<semver>, name length 3-128.
var fqnNamePattern = regexp.MustCompile(
	`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)
var fqnVersionPattern = regexp.MustCompile(
	`^[0-9]+\.[0-9]+\.[0-9]+(-[a-z0-9.-]+)?$`)

// FormatFQN joins a reverse-DNS service name and a semver version into the
// canonical "<name>@<version>" form.
func FormatFQN(name, version string) string {
	return name + "@" + version
}

// ParseFQN splits and validates a fully qualified service name.
// ParseFQN(FormatFQN(name, version)) round-trips for all valid (name,
// version) pairs.
func ParseFQN(fqn string) (name, version string, err error) {
	at := -1
	for i := len(fqn) - 1; i >= 0; i-- {
		if fqn[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return "", "", fmt.Errorf("fqn %q: missing '@' separator", fqn)
	}
	name, version = fqn[:at], fqn[at+1:]
	if len(name) < 3 || len(name) > 128 {
		return "", "", fmt.Errorf("fqn %q: name length must be 3-128, got %d", fqn, len(name))
	}
	if !fqnNamePattern.MatchString(name) {
		return "", "", fmt.Errorf("fqn %q: invalid name %q", fqn, name)
	}
	if !fqnVersionPattern.MatchString(version) {
		return "", "", fmt.Errorf("fqn %q: invalid semver %q", fqn, version)
	}
	return name, version, nil
}

// ClaimMessage formats the canonical string signed for a username claim:
// "claim:<username>:<unixMillis>".
func ClaimMessage(username string, unixMillis int64) string {
	return fmt.Sprintf("claim:%s:%d", username, unixMillis)
}

// PublishMessage formats the canonical string signed for a service publish:
// "publish:<username>:<serviceFqn>:<unixMillis>".
func PublishMessage(username, serviceFqn string, unixMillis int64) string {
	return fmt.Sprintf("publish:%s:%s:%d", username, serviceFqn, unixMillis)
}
