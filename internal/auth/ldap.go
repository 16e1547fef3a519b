package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"bindmgr/internal/config"
)

// LDAPMethod authenticates by a two-step LDAP bind: a service bind to
// find the user's DN, then a bind as that DN with the offered password.
type LDAPMethod struct {
	cfg config.LDAPConfig
}

func NewLDAPMethod(cfg config.LDAPConfig) *LDAPMethod {
	return &LDAPMethod{cfg: cfg}
}

func (m *LDAPMethod) Authenticate(ctx context.Context, username, password string) (bool, error) {
	conn, err := m.connect()
	if err != nil {
		return false, fmt.Errorf("ldap connect: %w", err)
	}
	defer conn.Close()

	if m.cfg.BindDN != "" {
		if err := conn.Bind(m.cfg.BindDN, m.cfg.BindPasswd); err != nil {
			return false, fmt.Errorf("ldap service bind: %w", err)
		}
	}

	filter := fmt.Sprintf(m.cfg.UserFilter, ldap.EscapeFilter(username))
	searchReq := ldap.NewSearchRequest(
		m.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases, 0, 30, false,
		filter,
		[]string{"dn"},
		nil,
	)
	result, err := conn.Search(searchReq)
	if err != nil {
		return false, fmt.Errorf("ldap search: %w", err)
	}
	if len(result.Entries) != 1 {
		return false, nil
	}

	if err := conn.Bind(result.Entries[0].DN, password); err != nil {
		// A failed user bind is a bad credential, not an infrastructure
		// fault.
		return false, nil
	}
	return true, nil
}

func (m *LDAPMethod) connect() (*ldap.Conn, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: m.cfg.SkipVerify}

	if strings.HasPrefix(m.cfg.URL, "ldaps://") {
		return ldap.DialURL(m.cfg.URL, ldap.DialWithTLSConfig(tlsCfg))
	}

	conn, err := ldap.DialURL(m.cfg.URL)
	if err != nil {
		return nil, err
	}
	if m.cfg.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return conn, nil
}
