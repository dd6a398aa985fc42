package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"

	"github.com/modulus-app/studyplan-api/internal/models"
	"github.com/modulus-app/studyplan-api/internal/service"
)

type authRepoStub struct {
	user *models.User
}

func (s authRepoStub) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.user, nil
}

func (s authRepoStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	return s.user, nil
}

func (s authRepoStub) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	return nil
}

func newAuthHandlerForTest(user *models.User) *AuthHandler {
	svc := service.NewAuthService(authRepoStub{user: user}, nil, nil, service.AuthConfig{
		AccessTokenSecret: "secret",
		AccessTokenExpiry: time.Hour,
		Issuer:            "studyplan-api",
	})
	return NewAuthHandler(svc)
}

func TestAuthHandlerLoginSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	password, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	handler := newAuthHandlerForTest(&models.User{ID: "u1", Email: "user@example.com", PasswordHash: string(password), Active: true})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"user@example.com","password":"password"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Login(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_token")
}

func TestAuthHandlerLoginBadPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newAuthHandlerForTest(nil)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":`))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Login(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthHandlerLoginWrongPassword(t *testing.T) {
	gin.SetMode(gin.TestMode)
	password, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	handler := newAuthHandlerForTest(&models.User{ID: "u1", Email: "user@example.com", PasswordHash: string(password), Active: true})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"user@example.com","password":"nope"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Login(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandlerMe(t *testing.T) {
	handler := newAuthHandlerForTest(nil)

	rec := httptest.NewRecorder()
	c := authedContext(t, rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	handler.Me(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user@example.com")
}

func TestAuthHandlerMeRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newAuthHandlerForTest(nil)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/auth/me", nil)

	handler.Me(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
