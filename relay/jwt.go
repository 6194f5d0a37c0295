package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// PrincipalResolver turns a verified identity token into a Principal.
// The resolver is re-invoked on every new connection and its result is
// never cached across reconnects, so role changes take effect on the next
// session at the latest.
type PrincipalResolver interface {
	Resolve(ctx context.Context, token string) (*Principal, error)
}

type JwtPrincipalResolver struct {
	key []byte
}

func NewJwtPrincipalResolver(key []byte) *JwtPrincipalResolver {
	return &JwtPrincipalResolver{
		key: key,
	}
}

func (self *JwtPrincipalResolver) Resolve(ctx context.Context, token string) (*Principal, error) {
	return ParsePrincipalJwt(token, self.key)
}

// ParsePrincipalJwt verifies an HS256 token and maps its claims to a
// Principal. Claims:
//
//	sub        principal id
//	role       student | teacher | admin
//	relations  list of "kind:target_id" strings
func ParsePrincipalJwt(jwtStr string, key []byte) (*Principal, error) {
	token, err := gojwt.Parse(
		jwtStr,
		func(token *gojwt.Token) (any, error) {
			return key, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("missing claims")
	}

	principal := &Principal{}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("missing sub claim")
	}
	principal.Id = sub

	roleStr, ok := claims["role"].(string)
	if !ok {
		return nil, errors.New("missing role claim")
	}
	role, ok := ParseRole(roleStr)
	if !ok {
		return nil, fmt.Errorf("unknown role: %s", roleStr)
	}
	principal.Role = role

	if relationsClaim, ok := claims["relations"].([]any); ok {
		for _, relationAny := range relationsClaim {
			relationStr, ok := relationAny.(string)
			if !ok {
				return nil, fmt.Errorf("bad relation claim: %v", relationAny)
			}
			kindStr, targetId, ok := strings.Cut(relationStr, ":")
			if !ok {
				return nil, fmt.Errorf("bad relation claim: %s", relationStr)
			}
			principal.Relations = append(principal.Relations, Relation{
				Kind:     RelationKind(kindStr),
				TargetId: targetId,
			})
		}
	}

	return principal, nil
}

// SignPrincipalJwt mints a token that `ParsePrincipalJwt` accepts.
// Used by relayctl and tests; production tokens come from the identity
// service with the same claim shape.
func SignPrincipalJwt(principal *Principal, key []byte, expireTimeout time.Duration) (string, error) {
	relations := []string{}
	for _, relation := range principal.Relations {
		relations = append(relations, fmt.Sprintf("%s:%s", relation.Kind, relation.TargetId))
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":       principal.Id,
		"role":      string(principal.Role),
		"relations": relations,
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(expireTimeout).Unix(),
	})
	return token.SignedString(key)
}
