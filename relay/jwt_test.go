package relay

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPrincipalJwtRoundTrip(t *testing.T) {
	key := []byte("test-key")

	principal := &Principal{
		Id:   "teacher-1",
		Role: RoleTeacher,
		Relations: []Relation{
			{Kind: RelationController, TargetId: "class-7a"},
			{Kind: RelationMember, TargetId: "staff"},
		},
	}

	tokenStr, err := SignPrincipalJwt(principal, key, 1*time.Hour)
	assert.Equal(t, nil, err)

	resolver := NewJwtPrincipalResolver(key)
	resolved, err := resolver.Resolve(context.Background(), tokenStr)
	assert.Equal(t, nil, err)
	assert.Equal(t, "teacher-1", resolved.Id)
	assert.Equal(t, RoleTeacher, resolved.Role)
	assert.Equal(t, 2, len(resolved.Relations))
	assert.Equal(t, true, resolved.HasRelation(RelationController, "class-7a"))
	assert.Equal(t, true, resolved.HasRelation(RelationMember, "staff"))
}

func TestPrincipalJwtRejected(t *testing.T) {
	key := []byte("test-key")

	principal := &Principal{
		Id:   "student-1",
		Role: RoleStudent,
	}

	// wrong key
	tokenStr, err := SignPrincipalJwt(principal, key, 1*time.Hour)
	assert.Equal(t, nil, err)
	_, err = ParsePrincipalJwt(tokenStr, []byte("other-key"))
	assert.NotEqual(t, nil, err)

	// expired
	tokenStr, err = SignPrincipalJwt(principal, key, -1*time.Hour)
	assert.Equal(t, nil, err)
	_, err = ParsePrincipalJwt(tokenStr, key)
	assert.NotEqual(t, nil, err)

	// garbage
	_, err = ParsePrincipalJwt("not-a-token", key)
	assert.NotEqual(t, nil, err)

	// unknown role
	bad := &Principal{
		Id:   "student-1",
		Role: Role("superuser"),
	}
	tokenStr, err = SignPrincipalJwt(bad, key, 1*time.Hour)
	assert.Equal(t, nil, err)
	_, err = ParsePrincipalJwt(tokenStr, key)
	assert.NotEqual(t, nil, err)
}
