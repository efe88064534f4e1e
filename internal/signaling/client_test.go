package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xtr-dev/rondevu-client/pkg/protocol"
)

// fakeServer is a minimal in-memory rendezvous server used to test the
// signaling Client's HTTP surface over plain HTTP.
type fakeServer struct {
	mu      *testing.T
	offers  map[string]*protocol.Offer
	answers []protocol.AnsweredOffer
}

func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	fs := &fakeServer{mu: t, offers: map[string]*protocol.Offer{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.Credential{PeerID: "peer-1", Secret: "secret-1"})
	})

	mux.HandleFunc("/offers", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		var body struct {
			Offers []OfferRequest `json:"offers"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		out := make([]protocol.Offer, 0, len(body.Offers))
		for i, o := range body.Offers {
			rec := protocol.Offer{ID: "offer-" + time.Now().Format("150405") + string(rune('a'+i)), SDP: o.SDP, Topics: o.Topics}
			fs.offers[rec.ID] = &rec
			out = append(out, rec)
		}
		writeJSON(w, http.StatusOK, struct {
			Offers []protocol.Offer `json:"offers"`
		}{out})
	})

	mux.HandleFunc("/offers/known", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, protocol.Offer{ID: "known", SDP: "v=0"})
	})

	mux.HandleFunc("/offers/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "offer not found"})
	})

	mux.HandleFunc("/offers/answers", func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Answers []protocol.AnsweredOffer `json:"answers"`
		}{fs.answers})
	})

	mux.HandleFunc("/offers/by-topic/demo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Offers []protocol.Offer `json:"offers"`
		}{[]protocol.Offer{{ID: "topic-offer", SDP: "v=0"}}})
	})

	mux.HandleFunc("/users/alice", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, UsernameInfo{Available: false, PublicKey: "pk"})
		case http.MethodPost:
			var body struct {
				Signature string `json:"signature"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Signature == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing signature"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{})
		}
	})

	mux.HandleFunc("/services/known-uuid", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.Service{UUID: "known-uuid", OfferID: "known"})
	})

	mux.HandleFunc("/services/missing-uuid", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "service not found"})
	})

	mux.HandleFunc("/users/alice/services/com.example.missing@1.0.0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "service not found"})
	})

	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "db on fire"})
	})

	return httptest.NewServer(mux)
}

func requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer peer-1:secret-1" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad credential"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Register(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	cred, err := c.Register(context.Background())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if cred.PeerID != "peer-1" || cred.Secret != "secret-1" {
		t.Errorf("Register() = %+v, want peer-1/secret-1", cred)
	}
}

func TestClient_CreateOffers_RequiresAuth(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.CreateOffers(context.Background(), []OfferRequest{{SDP: "v=0"}})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("CreateOffers() error = %v, want *AuthError", err)
	}

	c.SetCredential(protocol.Credential{PeerID: "peer-1", Secret: "secret-1"})
	offers, err := c.CreateOffers(context.Background(), []OfferRequest{{SDP: "v=0", Topics: []string{"demo"}}})
	if err != nil {
		t.Fatalf("CreateOffers() error = %v", err)
	}
	if len(offers) != 1 || offers[0].SDP != "v=0" {
		t.Errorf("CreateOffers() = %+v, want one offer with sdp v=0", offers)
	}
}

func TestClient_GetOffer_NotFound(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Credential: protocol.Credential{PeerID: "peer-1", Secret: "secret-1"}})
	_, err := c.GetOffer(context.Background(), "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("GetOffer() error = %v, want *NotFoundError", err)
	}
}

func TestClient_GetOffer_Found(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Credential: protocol.Credential{PeerID: "peer-1", Secret: "secret-1"}})
	offer, err := c.GetOffer(context.Background(), "known")
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if offer.ID != "known" {
		t.Errorf("GetOffer() = %+v, want id=known", offer)
	}
}

func TestClient_FindByTopic(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	// Unauthenticated — no credential configured.
	c := NewClient(ClientConfig{BaseURL: srv.URL})
	offers, err := c.FindByTopic(context.Background(), "demo", FindOptions{Limit: 10})
	if err != nil {
		t.Fatalf("FindByTopic() error = %v", err)
	}
	if len(offers) != 1 || offers[0].ID != "topic-offer" {
		t.Errorf("FindByTopic() = %+v, want one offer with id=topic-offer", offers)
	}
}

func TestClient_ClaimUsername(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	err := c.ClaimUsername(context.Background(), "alice", "pk", "", "claim:alice:1")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ClaimUsername() with empty signature error = %v, want *ValidationError", err)
	}

	if err := c.ClaimUsername(context.Background(), "alice", "pk", "sig", "claim:alice:1"); err != nil {
		t.Fatalf("ClaimUsername() error = %v", err)
	}
}

func TestClient_GetUsername(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	info, err := c.GetUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUsername() error = %v", err)
	}
	if info.Available || info.PublicKey != "pk" {
		t.Errorf("GetUsername() = %+v, want available=false publicKey=pk", info)
	}
}

func TestClient_ServerError_BecomesNetworkError(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.do(context.Background(), http.MethodGet, "/boom", nil, nil, authNone, "thing", "", true)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("do() error = %v, want *NetworkError", err)
	}
}

func TestClient_GetServiceByUUID_Found(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	svc, err := c.GetServiceByUUID(context.Background(), "known-uuid")
	if err != nil {
		t.Fatalf("GetServiceByUUID() error = %v", err)
	}
	if svc == nil || svc.UUID != "known-uuid" {
		t.Errorf("GetServiceByUUID() = %+v, want uuid=known-uuid", svc)
	}
}

func TestClient_GetServiceByUUID_NotFound(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	svc, err := c.GetServiceByUUID(context.Background(), "missing-uuid")
	if err != nil {
		t.Fatalf("GetServiceByUUID() error = %v, want nil error for optional getter", err)
	}
	if svc != nil {
		t.Errorf("GetServiceByUUID() = %+v, want nil for a 404", svc)
	}
}

func TestClient_GetServiceByFQN_NotFound(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	svc, err := c.GetServiceByFQN(context.Background(), "alice", "com.example.missing@1.0.0")
	if err != nil {
		t.Fatalf("GetServiceByFQN() error = %v, want nil error for optional getter", err)
	}
	if svc != nil {
		t.Errorf("GetServiceByFQN() = %+v, want nil for a 404", svc)
	}
}

func TestClient_GetServiceByFQN_InvalidFQN(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.GetServiceByFQN(context.Background(), "alice", "not-a-valid-fqn")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("GetServiceByFQN() error = %v, want *ValidationError", err)
	}
}

func TestClient_GetAnswers_WatermarkMonotonic(t *testing.T) {
	t.Parallel()
	srv := newFakeServer(t)
	defer srv.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)

	c := NewClient(ClientConfig{BaseURL: srv.URL, Credential: protocol.Credential{PeerID: "peer-1", Secret: "secret-1"}})
	_, watermark, err := c.GetAnswers(context.Background(), now)
	if err != nil {
		t.Fatalf("GetAnswers() error = %v", err)
	}
	if watermark.Before(now) {
		t.Errorf("GetAnswers() watermark = %v, want >= %v", watermark, now)
	}
}
