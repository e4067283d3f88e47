package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/protoengine/frontend/internal/errs"
)

// Accepted bearer token prefixes (spec §4.C.5). A prefix ending in "1_"
// selects claims schema version 1; the legacy prefixes select the older
// "edgedb.server.*" claim layout.
const (
	prefixNBWTv1 = "nbwt1_"
	prefixNBWT   = "nbwt_"
	prefixEDBTv1 = "edbt1_"
	prefixEDBT   = "edbt_"
)

// KeySource resolves the signing key for a token, keeping key rotation a
// server-level hook rather than something this package owns (spec §9).
type KeySource interface {
	// RSAPublicKey and ECPublicKey return the verification key for the
	// given algorithm; only one of them will be called, depending on the
	// token's declared `alg` header.
	RSAPublicKey() (*rsa.PublicKey, error)
	ECPublicKey() (*ecdsa.PublicKey, error)
}

// ScopeSet is an optional list of allowed exact-string values. A nil
// ScopeSet is unconstrained (spec §3: "A null set means unconstrained").
type ScopeSet struct {
	Values       []string
	Unconstrained bool
}

func (s *ScopeSet) contains(v string) bool {
	if s == nil || s.Unconstrained {
		return true
	}
	for _, x := range s.Values {
		if x == v {
			return true
		}
	}
	return false
}

// Claims is the subset of JWT claims this engine checks.
type Claims struct {
	Version   int
	Roles     *ScopeSet
	Instances *ScopeSet
	Databases *ScopeSet
}

// ExtractBearerToken finds the token and its version from either the
// transport's bearer header or the `secret_key` connection parameter
// (spec §4.C.5).
func ExtractBearerToken(authData string, connParams map[string]string) (token string, version int, err error) {
	raw := strings.TrimSpace(authData)
	if strings.HasPrefix(raw, "Bearer ") {
		raw = strings.TrimSpace(raw[len("Bearer "):])
	}
	if raw == "" {
		raw = connParams["secret_key"]
	}
	switch {
	case strings.HasPrefix(raw, prefixNBWTv1):
		return raw[len(prefixNBWTv1):], 1, nil
	case strings.HasPrefix(raw, prefixEDBTv1):
		return raw[len(prefixEDBTv1):], 1, nil
	case strings.HasPrefix(raw, prefixNBWT):
		return raw[len(prefixNBWT):], 0, nil
	case strings.HasPrefix(raw, prefixEDBT):
		return raw[len(prefixEDBT):], 0, nil
	default:
		return "", 0, errs.AuthenticationError("missing or unrecognized bearer token")
	}
}

// ParseAndValidate verifies the token's signature (RS256 or ES256 only)
// using keys, then JSON-decodes its claims into Claims per the declared
// version's schema.
func ParseAndValidate(token string, version int, keys KeySource) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case "RS256":
			return keys.RSAPublicKey()
		case "ES256":
			return keys.ECPublicKey()
		default:
			return nil, errs.AuthenticationError("unsupported JWT algorithm %q", t.Method.Alg())
		}
	}, jwt.WithValidMethods([]string{"RS256", "ES256"}))
	if err != nil {
		return Claims{}, errs.AuthenticationError("invalid JWT: %v", err)
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errs.AuthenticationError("malformed claims")
	}

	raw, err := json.Marshal(mapClaims)
	if err != nil {
		return Claims{}, errs.AuthenticationError("malformed claims")
	}

	if version == 1 {
		return parseClaimsV1(raw)
	}
	return parseClaimsLegacy(raw)
}

type claimsV1 struct {
	Roles     *[]string `json:"edb.r"`
	RolesAll  bool      `json:"edb.r.all"`
	Instances *[]string `json:"edb.i"`
	InstAll   bool      `json:"edb.i.all"`
	Databases *[]string `json:"edb.d"`
	DBAll     bool      `json:"edb.d.all"`
}

func parseClaimsV1(raw []byte) (Claims, error) {
	var c claimsV1
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, errs.AuthenticationError("malformed claims")
	}
	return Claims{
		Version:   1,
		Roles:     toScopeSet(c.Roles, c.RolesAll),
		Instances: toScopeSet(c.Instances, c.InstAll),
		Databases: toScopeSet(c.Databases, c.DBAll),
	}, nil
}

type claimsLegacy struct {
	Roles   []string `json:"edgedb.server.roles"`
	AnyRole bool     `json:"edgedb.server.any_role"`
}

func parseClaimsLegacy(raw []byte) (Claims, error) {
	var c claimsLegacy
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, errs.AuthenticationError("malformed claims")
	}
	roles := &ScopeSet{Values: c.Roles}
	if c.AnyRole {
		roles = &ScopeSet{Unconstrained: true}
	}
	return Claims{
		Version: 0,
		Roles:   roles,
		// Legacy claims carry no instance/database scoping.
		Instances: &ScopeSet{Unconstrained: true},
		Databases: &ScopeSet{Unconstrained: true},
	}, nil
}

func toScopeSet(values *[]string, all bool) *ScopeSet {
	if all {
		return &ScopeSet{Unconstrained: true}
	}
	if values == nil {
		return &ScopeSet{Unconstrained: true}
	}
	return &ScopeSet{Values: *values}
}

// CheckScopes implements _check_jwt_authz (spec §4.C.6): a non-null
// instance set must contain instanceName, a non-null database set must
// contain database, a non-null role set must contain user.
func CheckScopes(c Claims, instanceName, database, user string) error {
	if !c.Instances.contains(instanceName) {
		return errs.AuthenticationError("access to instance %q is not allowed by this token", instanceName)
	}
	if !c.Databases.contains(database) {
		return errs.AuthenticationError("access to database %q is not allowed by this token", database)
	}
	if !c.Roles.contains(user) {
		return errs.AuthenticationError("access as role %q is not allowed by this token", user)
	}
	return nil
}
