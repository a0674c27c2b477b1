package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret())
	require.NoError(t, err)
	return token
}

func runJWT(t *testing.T, authorization string) (echo.Context, *httptest.ResponseRecorder, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := JWTMiddleware(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	return c, rec, called
}

func TestJWTMiddlewareSetsIdentity(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"id":          "user-1",
		"role":        "admin",
		"external_id": 555,
		"exp":         time.Now().Add(time.Hour).Unix(),
	})

	c, rec, called := runJWT(t, "Bearer "+token)
	require.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", c.Get("user_id"))
	assert.Equal(t, "admin", c.Get("role"))
	assert.Equal(t, int64(555), c.Get("external_id"))
}

func TestJWTMiddlewareWithoutExternalIdentity(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"id":  "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	c, _, called := runJWT(t, "Bearer "+token)
	require.True(t, called)
	assert.Nil(t, c.Get("external_id"))
}

func TestJWTMiddlewareRejectsBadTokens(t *testing.T) {
	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage token":  "Bearer not.a.jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, rec, called := runJWT(t, header)
			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}
