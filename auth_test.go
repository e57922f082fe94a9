package sshhoneypot

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeAuthenticator struct {
	mutex   sync.Mutex
	accept  map[string]string
	checked []string
}

func (auth *fakeAuthenticator) Authenticate(username, password string) (bool, error) {
	auth.mutex.Lock()
	defer auth.mutex.Unlock()
	auth.checked = append(auth.checked, username)
	expected, ok := auth.accept[username]
	if !ok {
		return false, errors.New("unknown user")
	}
	return expected == password, nil
}

type recordedAttempt struct {
	ip       string
	username string
	password string
	success  bool
}

type fakeRecorder struct {
	attempts []recordedAttempt
	err      error
}

func (recorder *fakeRecorder) RecordLoginAttempt(ctx context.Context, ip, username, password string, success bool) error {
	recorder.attempts = append(recorder.attempts, recordedAttempt{ip, username, password, success})
	return recorder.err
}

func (auth *fakeAuthenticator) usernames() []string {
	auth.mutex.Lock()
	defer auth.mutex.Unlock()
	return append([]string(nil), auth.checked...)
}

func TestGatewayRedirectsRoot(t *testing.T) {
	backend := &fakeAuthenticator{accept: map[string]string{"froot": "toor"}}
	recorder := &fakeRecorder{}
	gateway := NewGateway(backend, recorder, "froot", false, &testLogger{})

	decision, err := gateway.Authenticate(context.Background(), "10.0.0.5", "root", "toor")
	if err != nil {
		t.Fatalf("Authenticate() returned an error: %v", err)
	}
	if !decision.Accept || decision.EffectiveUsername != "froot" {
		t.Fatalf("Authenticate() = %+v; wanted root accepted as froot", decision)
	}
	if len(backend.checked) != 1 || backend.checked[0] != "froot" {
		t.Errorf("backend checked %v; wanted the alias only", backend.checked)
	}
	if len(recorder.attempts) != 1 || recorder.attempts[0].username != "root" || !recorder.attempts[0].success {
		t.Errorf("recorded attempts %+v; wanted one successful attempt with the presented username", recorder.attempts)
	}
}

func TestGatewayRejectsBadPassword(t *testing.T) {
	backend := &fakeAuthenticator{accept: map[string]string{"pi": "raspberry"}}
	recorder := &fakeRecorder{}
	gateway := NewGateway(backend, recorder, "froot", false, &testLogger{})

	decision, _ := gateway.Authenticate(context.Background(), "10.0.0.5", "pi", "wrong")
	if decision.Accept {
		t.Fatalf("Authenticate() accepted a wrong password")
	}
	if decision.EffectiveUsername != "pi" {
		t.Errorf("non-root user was redirected to %v", decision.EffectiveUsername)
	}
	if len(recorder.attempts) != 1 || recorder.attempts[0].success || recorder.attempts[0].password != "wrong" {
		t.Errorf("recorded attempts %+v; wanted one failed attempt", recorder.attempts)
	}
}

func TestGatewayAllowRootOnlyCoversRoot(t *testing.T) {
	backend := &fakeAuthenticator{accept: map[string]string{}}
	recorder := &fakeRecorder{}
	gateway := NewGateway(backend, recorder, "froot", true, &testLogger{})

	root, _ := gateway.Authenticate(context.Background(), "10.0.0.5", "root", "anything")
	if !root.Accept || root.EffectiveUsername != "froot" {
		t.Errorf("allow-root did not accept root as the alias; got %+v", root)
	}
	if len(backend.checked) != 0 {
		t.Errorf("allow-root still consulted the backend for root: %v", backend.checked)
	}

	// a client presenting the alias itself gets no special treatment
	alias, _ := gateway.Authenticate(context.Background(), "10.0.0.5", "froot", "anything")
	if alias.Accept {
		t.Errorf("allow-root accepted the alias username without a backend check")
	}
	if len(recorder.attempts) != 2 {
		t.Errorf("wanted one recorded attempt per call; got %v", len(recorder.attempts))
	}
}

func TestGatewayReturnsRecorderError(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("database is locked")}
	gateway := NewGateway(AcceptAllAuthenticator{}, recorder, "froot", false, &testLogger{})

	decision, err := gateway.Authenticate(context.Background(), "10.0.0.5", "pi", "pi")
	if err == nil {
		t.Fatalf("Authenticate() hid the ledger error")
	}
	if !decision.Accept {
		t.Errorf("a ledger error changed the authentication decision")
	}
}

func TestNewAuthenticatorSelectsBackend(t *testing.T) {
	cfg := &Config{AuthBackend: AUTH_BACKEND_ACCEPT_ALL}
	backend, err := NewAuthenticator(cfg)
	if err != nil {
		t.Fatalf("NewAuthenticator(accept-all) failed: %v", err)
	}
	if _, ok := backend.(AcceptAllAuthenticator); !ok {
		t.Errorf("NewAuthenticator(accept-all) returned %T", backend)
	}
	cfg.AuthBackend = "ldap"
	if _, err := NewAuthenticator(cfg); err == nil {
		t.Errorf("NewAuthenticator() accepted an unknown backend")
	}
}
