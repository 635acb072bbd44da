package authorization

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/orderflow/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// Operator is an authenticated caller of the operator routes.
type Operator struct {
	Name string
	Role string
}

type credential struct {
	Operator
	hash []byte
}

// Authenticator resolves bearer tokens against configured bcrypt hashes.
type Authenticator struct {
	credentials []credential
}

// NewAuthenticator parses "name:role:bcrypt-hash" entries. The hash itself
// contains '$' but never ':', so the first two colons delimit the fields.
func NewAuthenticator(cfg config.Config) (*Authenticator, error) {
	auth := &Authenticator{}
	for i, raw := range cfg.Operator.Credentials {
		parts := strings.SplitN(strings.TrimSpace(raw), ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: entry %d", ErrBadCredentials, i)
		}
		name := strings.TrimSpace(parts[0])
		role := strings.ToLower(strings.TrimSpace(parts[1]))
		hash := strings.TrimSpace(parts[2])
		if name == "" || hash == "" {
			return nil, fmt.Errorf("%w: entry %d", ErrBadCredentials, i)
		}
		switch role {
		case RoleOperator, RoleViewer:
		default:
			return nil, fmt.Errorf("%w: entry %d has unknown role %q", ErrBadCredentials, i, role)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrBadCredentials, i, err)
		}
		auth.credentials = append(auth.credentials, credential{
			Operator: Operator{Name: name, Role: role},
			hash:     []byte(hash),
		})
	}
	return auth, nil
}

func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.credentials) > 0
}

func (a *Authenticator) Authenticate(token string) (Operator, error) {
	token = strings.TrimSpace(token)
	if token == "" || a == nil {
		return Operator{}, ErrUnauthorized
	}
	for _, c := range a.credentials {
		if bcrypt.CompareHashAndPassword(c.hash, []byte(token)) == nil {
			return c.Operator, nil
		}
	}
	return Operator{}, ErrUnauthorized
}
