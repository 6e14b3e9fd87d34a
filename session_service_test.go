package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/lavet13/tour-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSessionService_LoginWidget(t *testing.T) {
	ctx := context.Background()

	t.Run("first login creates account, identity and session", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{}

		result, err := env.service.LoginWidget(ctx, cookies, env.widgetData(12345, "Ivan", env.clock.Now()), nil)
		require.NoError(t, err)

		assert.True(t, result.IsNewUser)
		assert.Equal(t, "Ivan", result.Account.DisplayName)
		assert.Equal(t, auth.RoleSet{auth.RoleUser}, result.Account.Roles)
		require.Len(t, cookies.set, 1)
		assert.Equal(t, result.Tokens, cookies.last())

		assert.Equal(t, 1, count[auth.Account](t, env.db))
		assert.Equal(t, 1, count[auth.ExternalIdentity](t, env.db))
		assert.Equal(t, 1, count[auth.RefreshToken](t, env.db))

		stored, err := env.repo.Sessions().Find(ctx, result.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, result.Account.ID, stored.AccountID)

		claims, err := env.tokens.Validate(result.Tokens.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, result.Account.ID.String(), claims.UID)

		assert.Contains(t, env.activity.types(), auth.ActivityEventAccountCreated)
		assert.Contains(t, env.activity.types(), auth.ActivityEventLoginSuccess)
	})

	t.Run("repeat login reuses the account and refreshes the profile", func(t *testing.T) {
		env := newTestEnv(t)

		first, err := env.service.LoginWidget(ctx, &fakeCookies{}, env.widgetData(12345, "Ivan", env.clock.Now()), nil)
		require.NoError(t, err)

		env.clock.Advance(time.Minute)
		second, err := env.service.LoginWidget(ctx, &fakeCookies{}, env.widgetData(12345, "Ivan Jr", env.clock.Now()), nil)
		require.NoError(t, err)

		assert.False(t, second.IsNewUser)
		assert.Equal(t, first.Account.ID, second.Account.ID)
		assert.Equal(t, 1, count[auth.Account](t, env.db))
		assert.Equal(t, 2, count[auth.RefreshToken](t, env.db))

		identity, err := env.repo.Identities().FindByExternalIDTx(ctx, env.db, 12345)
		require.NoError(t, err)
		assert.Equal(t, "Ivan Jr", identity.FirstName)
	})

	t.Run("bad signature fails and clears cookies", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{}

		data := env.widgetData(12345, "Ivan", env.clock.Now())
		data["first_name"] = "Mallory"

		_, err := env.service.LoginWidget(ctx, cookies, data, nil)
		require.Error(t, err)
		assert.Equal(t, auth.KindInvalidSignature, auth.KindOf(err))
		assert.Equal(t, 1, cookies.clears)
		assert.Empty(t, cookies.set)
		assert.Equal(t, 0, count[auth.Account](t, env.db))
	})

	t.Run("stale credential is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{}

		signedAt := env.clock.Now().Add(-2 * time.Hour)
		_, err := env.service.LoginWidget(ctx, cookies, env.widgetData(12345, "Ivan", signedAt), nil)
		require.Error(t, err)
		assert.Equal(t, auth.KindStaleCredential, auth.KindOf(err))
		assert.Equal(t, 1, cookies.clears)
		assert.Equal(t, 0, count[auth.RefreshToken](t, env.db))
	})

	t.Run("credential from the future is rejected", func(t *testing.T) {
		env := newTestEnv(t)

		signedAt := env.clock.Now().Add(time.Minute)
		_, err := env.service.LoginWidget(ctx, &fakeCookies{}, env.widgetData(12345, "Ivan", signedAt), nil)
		require.Error(t, err)
		assert.Equal(t, auth.KindStaleCredential, auth.KindOf(err))
	})

	t.Run("cookie failure revokes the new session", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{setErr: errors.New("response already sent")}

		_, err := env.service.LoginWidget(ctx, cookies, env.widgetData(12345, "Ivan", env.clock.Now()), nil)
		require.Error(t, err)
		assert.Equal(t, auth.KindCookieWriteFailure, auth.KindOf(err))
		assert.Equal(t, auth.TextCodeCookieWriteFailed, auth.TextCodeOf(err))
		assert.Equal(t, 0, count[auth.RefreshToken](t, env.db))
		assert.Contains(t, env.activity.types(), auth.ActivityEventCompensation)
	})

	t.Run("failed compensation is reported as unreconciled", func(t *testing.T) {
		env := newTestEnv(t)
		env.sessions.revokeErr = errors.New("database is locked")
		cookies := &fakeCookies{setErr: errors.New("response already sent")}

		_, err := env.service.LoginWidget(ctx, cookies, env.widgetData(12345, "Ivan", env.clock.Now()), nil)
		require.Error(t, err)
		assert.Equal(t, auth.KindCookieWriteFailure, auth.KindOf(err))
		assert.Equal(t, auth.TextCodeCookieWriteUnreconciled, auth.TextCodeOf(err))
		assert.Equal(t, 1, count[auth.RefreshToken](t, env.db))
	})
}

func TestSessionService_LoginWebApp(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a session from init data", func(t *testing.T) {
		env := newTestEnv(t)

		result, err := env.service.LoginWebApp(ctx, &fakeCookies{}, env.initData(555, "Olga", env.clock.Now()), nil)
		require.NoError(t, err)
		assert.True(t, result.IsNewUser)
		assert.Equal(t, "Olga", result.Account.DisplayName)

		identity, err := env.repo.Identities().FindByExternalIDTx(ctx, env.db, 555)
		require.NoError(t, err)
		assert.Equal(t, "private", identity.ChatType)
	})

	t.Run("links a new identity to the signed in account", func(t *testing.T) {
		env := newTestEnv(t)

		signup, err := env.service.Signup(ctx, &fakeCookies{}, auth.SignupRequest{
			DisplayName: "olga",
			Email:       "olga@example.com",
			Password:    "correct horse battery",
		})
		require.NoError(t, err)

		result, err := env.service.LoginWebApp(ctx, &fakeCookies{}, env.initData(555, "Olga", env.clock.Now()), &signup.Account.ID)
		require.NoError(t, err)
		assert.False(t, result.IsNewUser)
		assert.True(t, result.Linked)
		assert.Equal(t, signup.Account.ID, result.Account.ID)
		assert.Equal(t, 1, count[auth.Account](t, env.db))
		assert.Contains(t, env.activity.types(), auth.ActivityEventIdentityLinked)
	})

	t.Run("malformed init data", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{}

		_, err := env.service.LoginWebApp(ctx, cookies, "user=%7B%7D", nil)
		require.Error(t, err)
		assert.Equal(t, auth.KindMalformedCredential, auth.KindOf(err))
		assert.Equal(t, 1, cookies.clears)
	})
}

func TestSessionService_PasswordFlows(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.service.Signup(ctx, &fakeCookies{}, auth.SignupRequest{
		DisplayName: "maria",
		Email:       "Maria@Example.com",
		Password:    "correct horse battery",
	})
	require.NoError(t, err)

	t.Run("login by email", func(t *testing.T) {
		result, err := env.service.LoginPassword(ctx, &fakeCookies{}, auth.LoginRequest{
			Login:    "maria@example.com",
			Password: "correct horse battery",
		})
		require.NoError(t, err)
		assert.Equal(t, "maria", result.Account.DisplayName)
	})

	t.Run("login by display name", func(t *testing.T) {
		_, err := env.service.LoginPassword(ctx, &fakeCookies{}, auth.LoginRequest{
			Login:    "maria",
			Password: "correct horse battery",
		})
		require.NoError(t, err)
	})

	t.Run("wrong password", func(t *testing.T) {
		cookies := &fakeCookies{}
		_, err := env.service.LoginPassword(ctx, cookies, auth.LoginRequest{
			Login:    "maria@example.com",
			Password: "wrong",
		})
		require.Error(t, err)
		assert.Equal(t, auth.KindInvalidCredentials, auth.KindOf(err))
		assert.Equal(t, 1, cookies.clears)
	})

	t.Run("unknown login", func(t *testing.T) {
		_, err := env.service.LoginPassword(ctx, &fakeCookies{}, auth.LoginRequest{
			Login:    "nobody@example.com",
			Password: "correct horse battery",
		})
		require.Error(t, err)
		assert.Equal(t, auth.KindInvalidCredentials, auth.KindOf(err))
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := env.service.Signup(ctx, &fakeCookies{}, auth.SignupRequest{
			DisplayName: "maria2",
			Email:       "maria@example.com",
			Password:    "another password",
		})
		require.Error(t, err)
		assert.Equal(t, auth.KindAccountExists, auth.KindOf(err))
	})

	t.Run("invalid signup payload", func(t *testing.T) {
		_, err := env.service.Signup(ctx, &fakeCookies{}, auth.SignupRequest{
			DisplayName: "x",
			Email:       "not-an-email",
			Password:    "short",
		})
		require.Error(t, err)
		assert.Equal(t, auth.KindMalformedCredential, auth.KindOf(err))
	})
}

func TestSessionService_Refresh(t *testing.T) {
	ctx := context.Background()

	login := func(t *testing.T, env *testEnv) *auth.LoginResult {
		t.Helper()
		result, err := env.service.LoginWidget(ctx, &fakeCookies{}, env.widgetData(12345, "Ivan", env.clock.Now()), nil)
		require.NoError(t, err)
		return result
	}

	t.Run("rotates the token and rejects reuse", func(t *testing.T) {
		env := newTestEnv(t)
		first := login(t, env)

		cookies := &fakeCookies{}
		refreshed, err := env.service.Refresh(ctx, cookies, first.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.NotEqual(t, first.Tokens.RefreshToken, refreshed.Tokens.RefreshToken)
		assert.Equal(t, first.Account.ID, refreshed.Account.ID)
		assert.Equal(t, refreshed.Tokens, cookies.last())
		assert.Equal(t, 1, count[auth.RefreshToken](t, env.db))

		reuse := &fakeCookies{}
		_, err = env.service.Refresh(ctx, reuse, first.Tokens.RefreshToken)
		require.Error(t, err)
		assert.Equal(t, auth.KindAuthenticationRequired, auth.KindOf(err))
		assert.Equal(t, 1, reuse.clears)

		_, err = env.service.Refresh(ctx, &fakeCookies{}, refreshed.Tokens.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("missing token", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{}

		_, err := env.service.Refresh(ctx, cookies, "")
		require.Error(t, err)
		assert.Equal(t, auth.KindAuthenticationRequired, auth.KindOf(err))
		assert.Equal(t, 1, cookies.clears)
	})

	t.Run("expired token is deleted", func(t *testing.T) {
		env := newTestEnv(t)
		first := login(t, env)

		env.clock.Advance(env.opts.RefreshTokenTTL + time.Second)
		_, err := env.service.Refresh(ctx, &fakeCookies{}, first.Tokens.RefreshToken)
		require.Error(t, err)
		assert.Equal(t, auth.KindAuthenticationRequired, auth.KindOf(err))
		assert.Equal(t, auth.TextCodeRefreshTokenExpired, auth.TextCodeOf(err))
		assert.Equal(t, 0, count[auth.RefreshToken](t, env.db))
	})

	t.Run("token exactly at ttl is still valid", func(t *testing.T) {
		env := newTestEnv(t)
		first := login(t, env)

		env.clock.Advance(env.opts.RefreshTokenTTL)
		_, err := env.service.Refresh(ctx, &fakeCookies{}, first.Tokens.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("cookie failure restores the previous token", func(t *testing.T) {
		env := newTestEnv(t)
		first := login(t, env)

		cookies := &fakeCookies{setErr: errors.New("response already sent")}
		_, err := env.service.Refresh(ctx, cookies, first.Tokens.RefreshToken)
		require.Error(t, err)
		assert.Equal(t, auth.TextCodeCookieWriteFailed, auth.TextCodeOf(err))

		_, err = env.service.Refresh(ctx, &fakeCookies{}, first.Tokens.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("restored token keeps its original age", func(t *testing.T) {
		env := newTestEnv(t)
		issuedAt := env.clock.Now()
		first := login(t, env)

		env.clock.Advance(29 * 24 * time.Hour)
		_, err := env.service.Refresh(ctx, &fakeCookies{setErr: errors.New("response already sent")}, first.Tokens.RefreshToken)
		require.Error(t, err)
		assert.Equal(t, auth.TextCodeCookieWriteFailed, auth.TextCodeOf(err))

		row, err := env.repo.Sessions().Find(ctx, first.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.True(t, row.UpdatedAt.Equal(issuedAt), "updated_at moved to %s", row.UpdatedAt)

		env.clock.Advance(2 * 24 * time.Hour)
		_, err = env.service.Refresh(ctx, &fakeCookies{}, first.Tokens.RefreshToken)
		require.Error(t, err)
		assert.Equal(t, auth.TextCodeRefreshTokenExpired, auth.TextCodeOf(err))
	})

	t.Run("failed restore is unreconciled", func(t *testing.T) {
		env := newTestEnv(t)
		first := login(t, env)
		env.sessions.restoreErr = errors.New("database is locked")

		_, err := env.service.Refresh(ctx, &fakeCookies{setErr: errors.New("response already sent")}, first.Tokens.RefreshToken)
		require.Error(t, err)
		assert.Equal(t, auth.TextCodeCookieWriteUnreconciled, auth.TextCodeOf(err))
	})
}

func TestSessionService_Logout(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes the session and clears cookies", func(t *testing.T) {
		env := newTestEnv(t)
		result, err := env.service.LoginWidget(ctx, &fakeCookies{}, env.widgetData(12345, "Ivan", env.clock.Now()), nil)
		require.NoError(t, err)

		cookies := &fakeCookies{}
		require.NoError(t, env.service.Logout(ctx, cookies, result.Tokens.RefreshToken))
		assert.Equal(t, 1, cookies.clears)
		assert.Equal(t, 0, count[auth.RefreshToken](t, env.db))

		_, err = env.service.Refresh(ctx, &fakeCookies{}, result.Tokens.RefreshToken)
		assert.Equal(t, auth.KindAuthenticationRequired, auth.KindOf(err))
	})

	t.Run("unknown token still succeeds", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{}

		require.NoError(t, env.service.Logout(ctx, cookies, "never-issued"))
		assert.Equal(t, 1, cookies.clears)
	})

	t.Run("no token", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{}

		require.NoError(t, env.service.Logout(ctx, cookies, ""))
		assert.Equal(t, 1, cookies.clears)
	})

	t.Run("clear failure is a cookie write failure", func(t *testing.T) {
		env := newTestEnv(t)
		cookies := &fakeCookies{clearErr: errors.New("response already sent")}

		err := env.service.Logout(ctx, cookies, "")
		require.Error(t, err)
		assert.Equal(t, auth.KindCookieWriteFailure, auth.KindOf(err))
	})
}

func TestSessionService_AdminOperations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	admin := auth.ActorRef{ID: "admin", Type: "account"}

	result, err := env.service.LoginWidget(ctx, &fakeCookies{}, env.widgetData(12345, "Ivan", env.clock.Now()), nil)
	require.NoError(t, err)
	_, err = env.service.LoginWidget(ctx, &fakeCookies{}, env.widgetData(12345, "Ivan", env.clock.Now()), nil)
	require.NoError(t, err)

	account, err := env.service.AssignRoles(ctx, admin, result.Account.ID, auth.RoleManager, auth.RoleUser)
	require.NoError(t, err)
	assert.True(t, account.Roles.Has(auth.RoleManager))

	managers, err := env.repo.Accounts().ListByRoles(ctx, auth.RoleManager)
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Equal(t, result.Account.ID, managers[0].ID)

	_, err = env.service.AssignRoles(ctx, admin, result.Account.ID, auth.Role("ROOT"))
	require.Error(t, err)

	n, err := env.service.RevokeAll(ctx, admin, result.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, count[auth.RefreshToken](t, env.db))
}

func TestSessionService_HashedAccountIDs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	service := auth.NewSessionService(env.repo, env.opts,
		auth.WithTokenService(env.tokens),
		auth.WithClock(env.clock.Now),
		auth.WithPasswordCost(bcrypt.MinCost),
		auth.WithHashedAccountIDs(true),
	)

	result, err := service.Signup(ctx, &fakeCookies{}, auth.SignupRequest{
		DisplayName: "maria",
		Email:       "Maria@Example.com",
		Password:    "correct horse battery",
	})
	require.NoError(t, err)

	expected, err := hashid.NewUUID("maria@example.com")
	require.NoError(t, err)
	assert.Equal(t, expected, result.Account.ID)

	_, err = service.Signup(ctx, &fakeCookies{}, auth.SignupRequest{
		DisplayName: "maria again",
		Email:       "maria@example.com",
		Password:    "correct horse battery",
	})
	assert.Equal(t, auth.KindAccountExists, auth.KindOf(err))
}

func TestSessionService_HashedAccountIDsFallback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	logger := &MockLogger{}
	logger.On("Warn", mock.Anything, mock.Anything).Return().Once()
	logger.On("Debug", mock.Anything, mock.Anything).Return().Maybe()
	logger.On("Info", mock.Anything, mock.Anything).Return().Maybe()

	service := auth.NewSessionService(env.repo, env.opts,
		auth.WithTokenService(env.tokens),
		auth.WithClock(env.clock.Now),
		auth.WithPasswordCost(bcrypt.MinCost),
		auth.WithSessionLogger(logger),
		auth.WithHashedAccountIDs(true, hashid.WithHashAlgorithm(hashid.HMAC_SHA256)),
	)

	result, err := service.Signup(ctx, &fakeCookies{}, auth.SignupRequest{
		DisplayName: "maria",
		Email:       "maria@example.com",
		Password:    "correct horse battery",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, result.Account.ID)

	logger.AssertExpectations(t)
}
