package account

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/primeee/primehost/auth"
	"github.com/primeee/primehost/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupService(t *testing.T, applyReferral func(ctx context.Context, accountID, code string) error) (*httptest.Server, *ledger.Manager) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)
	pool, err := db.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)
	t.Cleanup(func() {
		pool.Close()
	})

	manager, err := NewManager(zap.NewNop(), db)
	require.NoError(t, err)
	ledgerManager, err := ledger.NewManager(zap.NewNop(), db)
	require.NoError(t, err)
	authManager, err := auth.New(auth.Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)

	svc, err := NewService(Options{
		Auth:           authManager,
		AccountManager: manager,
		Ledger:         ledgerManager,
		Logger:         zap.NewNop(),
		ApplyReferral:  applyReferral,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)
	return srv, ledgerManager
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() {
		res.Body.Close()
	})
	return res
}

func decodeSession(t *testing.T, res *http.Response) SessionResponse {
	t.Helper()
	var envelope struct {
		Result SessionResponse `json:"result"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&envelope))
	return envelope.Result
}

func TestRegister(t *testing.T) {
	srv, ledgerManager := setupService(t, nil)

	res := postJSON(t, srv.URL+"/", RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "hunter22hunter22",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	session := decodeSession(t, res)
	assert.NotEmpty(t, session.Token)
	require.NotNil(t, session.Account)
	assert.Equal(t, "alice", session.Account.Username)
	assert.Equal(t, SignupBonus, session.Account.Coins)

	balance, err := ledgerManager.Balance(context.Background(), session.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, SignupBonus, balance)
}

func TestRegisterDuplicate(t *testing.T) {
	srv, _ := setupService(t, nil)

	req := RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "hunter22hunter22",
	}
	res := postJSON(t, srv.URL+"/", req)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = postJSON(t, srv.URL+"/", req)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	srv, _ := setupService(t, nil)

	res := postJSON(t, srv.URL+"/", RegisterRequest{
		Username: "alice",
		Email:    "not-an-email",
		Password: "hunter22hunter22",
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = postJSON(t, srv.URL+"/", RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "short",
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRegisterAppliesReferral(t *testing.T) {
	var gotAccountID, gotCode string
	srv, _ := setupService(t, func(ctx context.Context, accountID, code string) error {
		gotAccountID = accountID
		gotCode = code
		return nil
	})

	res := postJSON(t, srv.URL+"/", RegisterRequest{
		Username:     "bob",
		Email:        "bob@example.com",
		Password:     "hunter22hunter22",
		ReferralCode: "FRIEND",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	session := decodeSession(t, res)

	assert.Equal(t, session.Account.ID, gotAccountID)
	assert.Equal(t, "FRIEND", gotCode)
}

func TestLogin(t *testing.T) {
	srv, _ := setupService(t, nil)

	res := postJSON(t, srv.URL+"/", RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "hunter22hunter22",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = postJSON(t, srv.URL+"/login", LoginRequest{
		Username: "alice",
		Password: "hunter22hunter22",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	session := decodeSession(t, res)
	assert.NotEmpty(t, session.Token)

	res = postJSON(t, srv.URL+"/login", LoginRequest{
		Username: "alice",
		Password: "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = postJSON(t, srv.URL+"/login", LoginRequest{
		Username: "nobody",
		Password: "hunter22hunter22",
	})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMe(t *testing.T) {
	srv, _ := setupService(t, nil)

	res := postJSON(t, srv.URL+"/", RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "hunter22hunter22",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	session := decodeSession(t, res)

	req, err := http.NewRequest("GET", srv.URL+"/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	meRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer meRes.Body.Close()
	require.Equal(t, http.StatusOK, meRes.StatusCode)

	var envelope struct {
		Result Account `json:"result"`
	}
	require.NoError(t, json.NewDecoder(meRes.Body).Decode(&envelope))
	assert.Equal(t, session.Account.ID, envelope.Result.ID)
	assert.Empty(t, envelope.Result.PasswordHash)

	// unauthenticated access is rejected
	anonRes, err := http.Get(srv.URL + "/me")
	require.NoError(t, err)
	defer anonRes.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, anonRes.StatusCode)
}
