package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "classroll-test"
)

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func claimsFor(sub, role string, exp time.Time) Claims {
	return Claims{
		Subject: sub,
		Role:    role,
		Name:    "Dr. Smith",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestParse(t *testing.T) {
	tok := sign(t, jwt.SigningMethodHS256, []byte(testKey), claimsFor("42", RoleProfessor, time.Now().Add(time.Hour)))

	claims, err := Parse(tok, testKey, testIssuer)
	require.NoError(t, err)
	require.Equal(t, RoleProfessor, claims.Role)
	require.Equal(t, int64(42), claims.Professor().ID)
	require.Equal(t, "Dr. Smith", claims.Professor().Name)

	_, err = Parse(tok, "other-key", testIssuer)
	require.Error(t, err)

	_, err = Parse(tok, testKey, "someone-else")
	require.Error(t, err)

	expired := sign(t, jwt.SigningMethodHS256, []byte(testKey), claimsFor("42", RoleProfessor, time.Now().Add(-time.Minute)))
	_, err = Parse(expired, testKey, testIssuer)
	require.Error(t, err)

	hs512 := sign(t, jwt.SigningMethodHS512, []byte(testKey), claimsFor("42", RoleProfessor, time.Now().Add(time.Hour)))
	_, err = Parse(hs512, testKey, testIssuer)
	require.Error(t, err)
}

func TestRequire(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/prof", Require(testKey, testIssuer, RoleProfessor), func(c *gin.Context) {
		claims, ok := FromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"id": claims.Professor().ID})
	})

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/prof", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	prof := sign(t, jwt.SigningMethodHS256, []byte(testKey), claimsFor("7", RoleProfessor, time.Now().Add(time.Hour)))
	device := sign(t, jwt.SigningMethodHS256, []byte(testKey), claimsFor("cam-1", RoleDevice, time.Now().Add(time.Hour)))

	require.Equal(t, http.StatusOK, do("Bearer "+prof).Code)
	require.Equal(t, http.StatusOK, do("bearer "+prof).Code)
	require.Equal(t, http.StatusUnauthorized, do("").Code)
	require.Equal(t, http.StatusUnauthorized, do("Bearer garbage").Code)
	require.Equal(t, http.StatusForbidden, do("Bearer "+device).Code)
}
