package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing-32ch"

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("alice", RoleOperator, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "alice" || claims.Role != RoleOperator {
		t.Errorf("claims = %s/%s", claims.Subject, claims.Role)
	}
	if claims.ID == "" {
		t.Error("JTI should be set")
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
}

func TestGenerateToken_DefaultTTL(t *testing.T) {
	token, err := GenerateToken("bob", RoleViewer, testSecret, 0)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	claims, _ := ParseToken(token, testSecret)
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != DefaultTokenTTL {
		t.Errorf("ttl = %v, want %v", ttl, DefaultTokenTTL)
	}
}

func TestGenerateToken_Invalid(t *testing.T) {
	if _, err := GenerateToken("", RoleViewer, testSecret, time.Hour); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("empty subject error = %v", err)
	}
	if _, err := GenerateToken("x", Role("root"), testSecret, time.Hour); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("bad role error = %v", err)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	valid, _ := GenerateToken("alice", RoleViewer, testSecret, time.Hour)

	sign := func(c Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}
	now := time.Now()

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"wrong secret", valid, "another-secret-another-secret-000"},
		{"garbage", "not.a.token", testSecret},
		{"expired", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
			},
			Role: RoleViewer,
		}, jwt.SigningMethodHS256, []byte(testSecret)), testSecret},
		{"missing subject", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
			Role:             RoleViewer,
		}, jwt.SigningMethodHS256, []byte(testSecret)), testSecret},
		{"unknown role", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
			Role:             "root",
		}, jwt.SigningMethodHS256, []byte(testSecret)), testSecret},
		{"none algorithm", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
			Role:             RoleOperator,
		}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType), testSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, tt.secret); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermDeviceRead, true},
		{RoleViewer, PermEventsObserve, true},
		{RoleViewer, PermCommandSend, false},
		{RoleViewer, PermLogsManage, false},
		{RoleOperator, PermCommandSend, true},
		{RoleOperator, PermLogsManage, true},
		{Role("unknown"), PermDeviceRead, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}
