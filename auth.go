package sshhoneypot

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const ROOT_USERNAME string = "root"

var ErrAuthRejected = errors.New("authentication rejected")

// Authenticator is the pluggable credential check behind the gateway.
type Authenticator interface {
	Authenticate(username, password string) (bool, error)
}

// AcceptAllAuthenticator lets every credential in.
type AcceptAllAuthenticator struct{}

func (AcceptAllAuthenticator) Authenticate(username, password string) (bool, error) {
	return true, nil
}

// attemptRecorder is the part of the ledger the gateway writes to.
type attemptRecorder interface {
	RecordLoginAttempt(ctx context.Context, ip, username, password string, success bool) error
}

type Decision struct {
	Accept            bool
	EffectiveUsername string
}

// Gateway decides whether a presented credential opens a shell, and as
// which local account. Every call records exactly one login attempt.
type Gateway struct {
	backend       Authenticator
	recorder      attemptRecorder
	rootAlias     string
	acceptAllRoot bool
	log           LoggerInterface
	metrics       *Metrics
}

func NewGateway(backend Authenticator, recorder attemptRecorder, rootAlias string, acceptAllRoot bool, log LoggerInterface) *Gateway {
	return &Gateway{
		backend:       backend,
		recorder:      recorder,
		rootAlias:     rootAlias,
		acceptAllRoot: acceptAllRoot,
		log:           log,
	}
}

func (gateway *Gateway) SetMetrics(metrics *Metrics) {
	gateway.metrics = metrics
}

func NewAuthenticator(cfg *Config) (Authenticator, error) {
	switch cfg.AuthBackend {
	case AUTH_BACKEND_ACCEPT_ALL:
		return AcceptAllAuthenticator{}, nil
	case AUTH_BACKEND_PAM:
		return NewPAMAuthenticator(cfg.PAMService), nil
	}
	return nil, fmt.Errorf("unknown auth backend %q", cfg.AuthBackend)
}

// EffectiveUsername maps the presented name to the local account that will
// own the shell. root never maps to itself.
func (gateway *Gateway) EffectiveUsername(username string) string {
	if username == ROOT_USERNAME {
		return gateway.rootAlias
	}
	return username
}

// Authenticate returns the decision even when recording the attempt fails;
// the returned error only reports the ledger write.
func (gateway *Gateway) Authenticate(ctx context.Context, sourceIP, username, password string) (Decision, error) {
	decision := Decision{EffectiveUsername: gateway.EffectiveUsername(username)}
	if decision.EffectiveUsername != username {
		gateway.log.Printf("Redirecting %v user to %v", username, decision.EffectiveUsername)
	}

	if gateway.acceptAllRoot && username == ROOT_USERNAME {
		gateway.log.Printf("ALLOW_ROOT mode enabled: accepting root credential from %v", sourceIP)
		decision.Accept = true
	} else {
		ok, err := gateway.backend.Authenticate(decision.EffectiveUsername, password)
		if err != nil {
			gateway.log.Printf("authentication failed for user %v from %v: %v", decision.EffectiveUsername, sourceIP, err)
		}
		decision.Accept = ok && err == nil
		if decision.Accept {
			gateway.log.Printf("authentication successful for user %v from %v", decision.EffectiveUsername, sourceIP)
		}
	}

	gateway.metrics.loginAttempt(decision.Accept)
	record_ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := gateway.recorder.RecordLoginAttempt(record_ctx, sourceIP, username, password, decision.Accept); err != nil {
		gateway.log.Printf("error recording login attempt from %v: %v", sourceIP, err)
		return decision, err
	}
	return decision, nil
}
