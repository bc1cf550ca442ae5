package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"paketd/crypto"
)

const testPath = "/v1/prepare_escrow"

func formRequest(identity, nonce string, form url.Values) *http.Request {
	req := httptest.NewRequest("POST", testPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if identity != "" {
		req.Header.Set(HeaderIdentity, identity)
	}
	if nonce != "" {
		req.Header.Set(HeaderNonce, nonce)
	}
	return req
}

func buildSigned(t *testing.T, key *crypto.PrivateKey, nonce uint64, form url.Values) *http.Request {
	t.Helper()
	fields, err := CheckFields(form)
	if err != nil {
		t.Fatalf("check fields: %v", err)
	}
	digest := crypto.RequestDigest(crypto.RequestRoute("POST", testPath), nonce, fields)
	sig, err := key.SignRequest(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := formRequest(key.PubKey().Address().String(), strconv.FormatUint(nonce, 10), form)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestAuthenticateAcceptsValidRequest(t *testing.T) {
	key := mustKey(t)
	a := NewAuthenticator(ModeProduction, NewMemoryNonceStore())

	form := url.Values{"payment_buls": {"50"}, "location": {"depot"}}
	principal, fields, err := a.Authenticate(buildSigned(t, key, 1, form), nil)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.Identity != key.PubKey().Address().String() {
		t.Fatalf("principal identity = %s", principal.Identity)
	}
	if fields["payment_buls"] != "50" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestAuthenticateRejectsReplayedNonce(t *testing.T) {
	key := mustKey(t)
	a := NewAuthenticator(ModeProduction, NewMemoryNonceStore())
	form := url.Values{"location": {"depot"}}

	if _, _, err := a.Authenticate(buildSigned(t, key, 5, form), nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, _, err := a.Authenticate(buildSigned(t, key, 5, form), nil); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("replayed nonce = %v, want ErrNonceReplayed", err)
	}
	if _, _, err := a.Authenticate(buildSigned(t, key, 3, form), nil); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("lower nonce = %v, want ErrNonceReplayed", err)
	}
	// Strictly greater is enough, gaps are fine.
	if _, _, err := a.Authenticate(buildSigned(t, key, 100, form), nil); err != nil {
		t.Fatalf("higher nonce: %v", err)
	}
}

func TestAuthenticateBootstrapAcceptsAnyFirstNonce(t *testing.T) {
	key := mustKey(t)
	a := NewAuthenticator(ModeProduction, NewMemoryNonceStore())
	if _, _, err := a.Authenticate(buildSigned(t, key, 0, url.Values{}), nil); err != nil {
		t.Fatalf("bootstrap with nonce 0: %v", err)
	}
}

func TestAuthenticateRejectsTamperedFields(t *testing.T) {
	key := mustKey(t)
	a := NewAuthenticator(ModeProduction, NewMemoryNonceStore())

	// Sign over one body, then send another.
	signed := url.Values{"payment_buls": {"50"}}
	fields, err := CheckFields(signed)
	if err != nil {
		t.Fatalf("check fields: %v", err)
	}
	sig, err := key.SignRequest(crypto.RequestDigest(crypto.RequestRoute("POST", testPath), 1, fields))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := formRequest(key.PubKey().Address().String(), "1", url.Values{"payment_buls": {"5000"}})
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	if _, _, err := a.Authenticate(req, nil); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body = %v, want ErrBadSignature", err)
	}
}

func TestAuthenticateBindsSignatureToRoute(t *testing.T) {
	key := mustKey(t)
	a := NewAuthenticator(ModeProduction, NewMemoryNonceStore())

	// Sign for one endpoint, then send the same envelope to another one
	// expecting the same field names.
	form := url.Values{"location": {"warehouse 4"}}
	fields, err := CheckFields(form)
	if err != nil {
		t.Fatalf("check fields: %v", err)
	}
	sig, err := key.SignRequest(crypto.RequestDigest(crypto.RequestRoute("POST", "/v1/changed_location"), 1, fields))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest("POST", "/v1/accept_package", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(HeaderIdentity, key.PubKey().Address().String())
	req.Header.Set(HeaderNonce, "1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	if _, _, err := a.Authenticate(req, nil); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("cross-route signature = %v, want ErrBadSignature", err)
	}
}

func TestAuthenticateReportsMissingRequiredField(t *testing.T) {
	key := mustKey(t)
	a := NewAuthenticator(ModeProduction, NewMemoryNonceStore())

	req := buildSigned(t, key, 1, url.Values{"location": {"depot"}})
	_, _, err := a.Authenticate(req, []string{"escrow_pubkey"})
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("missing required field = %v, want FieldError", err)
	}
	if fieldErr.Field != "escrow_pubkey" {
		t.Fatalf("reported field = %s, want escrow_pubkey", fieldErr.Field)
	}
	// The failed request must not burn the nonce.
	if _, _, err := a.Authenticate(buildSigned(t, key, 1, url.Values{"location": {"depot"}}), nil); err != nil {
		t.Fatalf("retry with same nonce: %v", err)
	}
}

func TestAuthenticateRejectsWrongIdentity(t *testing.T) {
	key := mustKey(t)
	other := mustKey(t)
	a := NewAuthenticator(ModeProduction, NewMemoryNonceStore())

	req := buildSigned(t, key, 1, url.Values{})
	req.Header.Set(HeaderIdentity, other.PubKey().Address().String())
	if _, _, err := a.Authenticate(req, nil); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong identity = %v, want ErrBadSignature", err)
	}
}

func TestDebugModeSkipsSignatureButEnforcesNonce(t *testing.T) {
	key := mustKey(t)
	a := NewAuthenticator(ModeDebugNoSignature, NewMemoryNonceStore())
	identity := key.PubKey().Address().String()

	if _, _, err := a.Authenticate(formRequest(identity, "7", url.Values{}), nil); err != nil {
		t.Fatalf("debug authenticate: %v", err)
	}
	if _, _, err := a.Authenticate(formRequest(identity, "7", url.Values{}), nil); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("debug replay = %v, want ErrNonceReplayed", err)
	}
}

func TestAuthenticateRejectsMissingHeaders(t *testing.T) {
	a := NewAuthenticator(ModeProduction, NewMemoryNonceStore())
	if _, _, err := a.Authenticate(formRequest("", "", url.Values{}), nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing headers = %v, want ErrMissingCredentials", err)
	}
}

func TestCheckFields(t *testing.T) {
	key := mustKey(t)
	good := url.Values{
		"payment_buls":       {"50"},
		"deadline_timestamp": {"1700100000"},
		"recipient_pubkey":   {key.PubKey().Address().String()},
		"location":           {" depot "},
	}
	fields, err := CheckFields(good)
	if err != nil {
		t.Fatalf("check fields: %v", err)
	}
	if fields["location"] != "depot" {
		t.Fatalf("location not trimmed: %q", fields["location"])
	}

	cases := map[string]url.Values{
		"non-integer amount": {"payment_buls": {"fifty"}},
		"negative amount":    {"collateral_buls": {"-1"}},
		"bad identity":       {"recipient_pubkey": {"not-an-address"}},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CheckFields(values)
			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("got %v, want FieldError", err)
			}
		})
	}
}

func TestNonceStoreConcurrentReserve(t *testing.T) {
	store := NewMemoryNonceStore()
	const attempts = 32
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			errs <- store.Reserve(context.Background(), "pkt1someone", 9)
		}()
	}
	var won int
	for i := 0; i < attempts; i++ {
		if err := <-errs; err == nil {
			won++
		} else if !errors.Is(err, ErrNonceReplayed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d reservations won, want exactly 1", won)
	}
}
