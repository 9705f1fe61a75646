package auth

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/vectank.org/vectank-server/internal/errs"
)

const (
	DefaultAttemptsPerSecond = 5
	DefaultBurst             = 10

	// maxTrackedHosts bounds the limiter table; it is reset when exceeded.
	maxTrackedHosts = 4096
)

type Options struct {
	// Secret is hashed at startup. SecretHash, when set, is used instead so
	// the plain secret never has to appear in configuration.
	Secret            string
	SecretHash        string
	AttemptsPerSecond float64
	Burst             int
	// Cost is the bcrypt cost used to hash Secret; 0 means bcrypt.DefaultCost.
	Cost   int
	Logger *zap.Logger
}

// AuthManager checks the shared connection secret. The secret is held only
// as a bcrypt hash, and attempts are rate limited per remote host.
type AuthManager struct {
	hash []byte

	every rate.Limit
	burst int

	lock     sync.Mutex
	limiters map[string]*rate.Limiter

	log *zap.Logger
}

func NewAuthManager(opts Options) (*AuthManager, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var hash []byte
	switch {
	case opts.SecretHash != "":
		hash = []byte(opts.SecretHash)
		if _, err := bcrypt.Cost(hash); err != nil {
			return nil, fmt.Errorf("%w: secret hash: %v", errs.ErrInvalidRequest, err)
		}
	case opts.Secret != "":
		cost := opts.Cost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(opts.Secret), cost); err != nil {
			return nil, fmt.Errorf("hash secret: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: a secret or secret hash is required", errs.ErrInvalidRequest)
	}

	every := opts.AttemptsPerSecond
	if every <= 0 {
		every = DefaultAttemptsPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}

	return &AuthManager{
		hash:     hash,
		every:    rate.Limit(every),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		log:      log,
	}, nil
}

// HashSecret returns the bcrypt hash to place in the secret_hash setting.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: empty secret", errs.ErrInvalidRequest)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate checks secret for a connection from remoteAddr. Every failure
// is reported as ErrAuthenticationFailure without further detail.
func (a *AuthManager) Authenticate(remoteAddr, secret string) error {
	host := hostOf(remoteAddr)
	if !a.limiter(host).Allow() {
		a.log.Warn("authentication rate limited", zap.String("remote", host))
		return errs.ErrAuthenticationFailure
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(secret)); err != nil {
		a.log.Warn("authentication failed", zap.String("remote", host))
		return errs.ErrAuthenticationFailure
	}
	return nil
}

func (a *AuthManager) limiter(host string) *rate.Limiter {
	a.lock.Lock()
	defer a.lock.Unlock()

	if l, ok := a.limiters[host]; ok {
		return l
	}
	if len(a.limiters) >= maxTrackedHosts {
		a.limiters = make(map[string]*rate.Limiter)
	}
	l := rate.NewLimiter(a.every, a.burst)
	a.limiters[host] = l
	return l
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
