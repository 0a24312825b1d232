package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-0123456789abcdef"

// newTestService prehashes at MinCost so the suite does not spend its
// time inside bcrypt.
func newTestService(t *testing.T, operator, password string) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc, err := NewService(Credentials{
		Operator:     operator,
		PasswordHash: string(hash),
		JWTSecret:    testSecret,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc := newTestService(t, "admin", "hunter22")

	resp, err := svc.Login("admin", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("empty access token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != int(TokenTTL.Seconds()) {
		t.Errorf("expires_in = %d, want %d", resp.ExpiresIn, int(TokenTTL.Seconds()))
	}

	claims, err := svc.ValidateToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Operator != "admin" {
		t.Errorf("operator claim = %q, want admin", claims.Operator)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t, "admin", "hunter22")

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "admin", "wrong"},
		{"wrong username", "root", "hunter22"},
		{"both wrong", "root", "wrong"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Login(tt.username, tt.password); err != ErrInvalidCredentials {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestPlainPasswordHashedAtBoot(t *testing.T) {
	svc, err := NewService(Credentials{
		Operator:  "admin",
		Password:  "plaintext-secret",
		JWTSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Login("admin", "plaintext-secret"); err != nil {
		t.Errorf("Login with the boot password: %v", err)
	}
	if cost, err := bcrypt.Cost(svc.passwordHash); err != nil || cost != BcryptCost {
		t.Errorf("stored hash cost = %d (%v), want %d", cost, err, BcryptCost)
	}
}

func TestNewServiceRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
	}{
		{"missing operator", Credentials{Password: "x", JWTSecret: testSecret}},
		{"missing secret", Credentials{Operator: "admin", Password: "x"}},
		{"missing password", Credentials{Operator: "admin", JWTSecret: testSecret}},
		{"malformed hash", Credentials{Operator: "admin", PasswordHash: "not-a-bcrypt-hash", JWTSecret: testSecret}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewService(tt.creds); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestValidateTokenRejectsTampered(t *testing.T) {
	svc := newTestService(t, "admin", "hunter22")
	resp, err := svc.Login("admin", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tampered := resp.AccessToken[:len(resp.AccessToken)-2] + "xx"
	if _, err := svc.ValidateToken(tampered); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.ValidateToken("not.a.token"); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	svc := newTestService(t, "admin", "hunter22")
	other := newTestService(t, "admin", "hunter22")
	other.jwtSecret = []byte("some-other-secret")

	resp, err := other.Login("admin", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := svc.ValidateToken(resp.AccessToken); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := newTestService(t, "admin", "hunter22")

	claims := &Claims{
		Operator: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			Issuer:    "masshaul",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := svc.ValidateToken(token); err != ErrTokenExpired {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestLoginHandler(t *testing.T) {
	svc := newTestService(t, "admin", "hunter22")
	handlers := NewHandlers(svc)

	t.Run("success", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			strings.NewReader(`{"username":"admin","password":"hunter22"}`))
		rec := httptest.NewRecorder()
		handlers.Login(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp LoginResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.AccessToken == "" {
			t.Error("empty access token in response")
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			strings.NewReader(`{"username":"admin","password":"nope"}`))
		rec := httptest.NewRecorder()
		handlers.Login(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			strings.NewReader(`{"username":"admin"}`))
		rec := httptest.NewRecorder()
		handlers.Login(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			strings.NewReader(`{`))
		rec := httptest.NewRecorder()
		handlers.Login(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t, "admin", "hunter22")
	resp, err := svc.Login("admin", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	var sawOperator string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawOperator = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	wrapped := Middleware(svc)(inner)

	t.Run("valid token passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if sawOperator != "admin" {
			t.Errorf("operator in context = %q, want admin", sawOperator)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}
