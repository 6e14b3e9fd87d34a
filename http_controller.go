package auth

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

// RegisterAuthRoutes mounts the session endpoints on app
func RegisterAuthRoutes[T any](app router.Router[T], opts ...AuthControllerOption) *AuthController {
	controller := NewAuthController(opts...)

	app.Post(controller.Routes.TelegramWidget, controller.TelegramWidget).
		SetName("auth.telegram.widget")
	app.Post(controller.Routes.TelegramWebApp, controller.TelegramWebApp).
		SetName("auth.telegram.webapp")
	app.Post(controller.Routes.Login, controller.Login).
		SetName("auth.login")
	app.Post(controller.Routes.Signup, controller.Signup).
		SetName("auth.signup")
	app.Post(controller.Routes.Refresh, controller.Refresh).
		SetName("auth.refresh")
	app.Post(controller.Routes.Logout, controller.Logout).
		SetName("auth.logout")
	app.Get(controller.Routes.Me, controller.Me).
		SetName("auth.me")

	return controller
}

type AuthControllerRoutes struct {
	TelegramWidget string
	TelegramWebApp string
	Login          string
	Signup         string
	Refresh        string
	Logout         string
	Me             string
}

type AuthController struct {
	Debug   bool
	Logger  Logger
	Service *SessionService
	Cookies CookieOptions
	Routes  *AuthControllerRoutes
}

type AuthControllerOption func(*AuthController) *AuthController

func WithSessionService(s *SessionService) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Service = s
		return c
	}
}

func WithCookieOptions(opts CookieOptions) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Cookies = opts
		return c
	}
}

func WithControllerLogger(logger Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Logger = normalizeLogger(logger)
		return c
	}
}

func WithControllerDebug(debug bool) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Debug = debug
		return c
	}
}

func NewAuthController(opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Logger:  normalizeLogger(nil),
		Cookies: DefaultOptions().Cookie,
		Routes: &AuthControllerRoutes{
			TelegramWidget: "/auth/telegram/widget",
			TelegramWebApp: "/auth/telegram/webapp",
			Login:          "/auth/login",
			Signup:         "/auth/signup",
			Refresh:        "/auth/refresh",
			Logout:         "/auth/logout",
			Me:             "/auth/me",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Service == nil {
		panic("Missing SessionService in auth controller...")
	}

	return c
}

// WebAppRequest carries raw mini-app init data
type WebAppRequest struct {
	InitData string `json:"init_data"`
}

type accountResponse struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       *string   `json:"email,omitempty"`
	Roles       []string  `json:"roles"`
}

type sessionResponse struct {
	Account         accountResponse `json:"account"`
	IsNewUser       bool            `json:"is_new_user"`
	Linked          bool            `json:"linked"`
	AccessExpiresAt int64           `json:"access_expires_at"`
}

func (a *AuthController) TelegramWidget(ctx router.Context) error {
	dec := json.NewDecoder(bytes.NewReader(ctx.Body()))
	dec.UseNumber()

	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return a.respondError(ctx, withDetails(ErrMalformedCredential, err, nil))
	}

	result, err := a.Service.LoginWidget(ctx.Context(), a.cookies(ctx), data, a.currentAccountID(ctx))
	if err != nil {
		return a.respondError(ctx, err)
	}
	return a.respondSession(ctx, result)
}

func (a *AuthController) TelegramWebApp(ctx router.Context) error {
	payload := new(WebAppRequest)
	if err := decodeBody(ctx, payload); err != nil {
		return a.respondError(ctx, err)
	}

	result, err := a.Service.LoginWebApp(ctx.Context(), a.cookies(ctx), payload.InitData, a.currentAccountID(ctx))
	if err != nil {
		return a.respondError(ctx, err)
	}
	return a.respondSession(ctx, result)
}

func (a *AuthController) Login(ctx router.Context) error {
	payload := new(LoginRequest)
	if err := decodeBody(ctx, payload); err != nil {
		return a.respondError(ctx, err)
	}

	result, err := a.Service.LoginPassword(ctx.Context(), a.cookies(ctx), *payload)
	if err != nil {
		return a.respondError(ctx, err)
	}
	return a.respondSession(ctx, result)
}

func (a *AuthController) Signup(ctx router.Context) error {
	payload := new(SignupRequest)
	if err := decodeBody(ctx, payload); err != nil {
		return a.respondError(ctx, err)
	}
	payload.Roles = nil

	if a.Debug {
		a.Logger.Debug("signup: %s", print.MaybePrettyJSON(map[string]any{
			"display_name": payload.DisplayName,
			"email":        payload.Email,
		}))
	}

	result, err := a.Service.Signup(ctx.Context(), a.cookies(ctx), *payload)
	if err != nil {
		return a.respondError(ctx, err)
	}
	return a.respondSession(ctx, result)
}

func (a *AuthController) Refresh(ctx router.Context) error {
	presented := ctx.Cookies(a.Cookies.RefreshName)

	result, err := a.Service.Refresh(ctx.Context(), a.cookies(ctx), presented)
	if err != nil {
		return a.respondError(ctx, err)
	}
	return a.respondSession(ctx, result)
}

func (a *AuthController) Logout(ctx router.Context) error {
	presented := ctx.Cookies(a.Cookies.RefreshName)

	if err := a.Service.Logout(ctx.Context(), a.cookies(ctx), presented); err != nil {
		return a.respondError(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (a *AuthController) Me(ctx router.Context) error {
	claims, err := a.Service.Tokens().Validate(ctx.Cookies(a.Cookies.AccessName))
	if err != nil {
		return a.respondError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"id":         claims.UID,
		"roles":      claims.Roles,
		"expires_at": claims.ExpiresAt.Unix(),
	})
}

// RequireRoles rejects requests whose access cookie lacks all of roles.
// Valid claims are stored on the request context.
func (a *AuthController) RequireRoles(roles ...Role) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			claims, err := a.Service.Tokens().Validate(ctx.Cookies(a.Cookies.AccessName))
			if err != nil {
				return a.respondError(ctx, err)
			}
			if len(roles) > 0 && !claimsHaveAny(claims, roles) {
				return ctx.JSON(http.StatusForbidden, map[string]any{
					"error":     "forbidden",
					"text_code": "forbidden",
				})
			}
			ctx.SetContext(WithClaimsContext(ctx.Context(), claims))
			return next(ctx)
		}
	}
}

func claimsHaveAny(claims *AccessClaims, roles []Role) bool {
	for _, r := range roles {
		if claims.HasRole(r) {
			return true
		}
	}
	return false
}

func (a *AuthController) cookies(ctx router.Context) CookieCoordinator {
	return NewRouterCookies(ctx, a.Cookies)
}

// currentAccountID reads the account from a valid access cookie. It is the
// link target when a Telegram identity logs in for the first time.
func (a *AuthController) currentAccountID(ctx router.Context) *uuid.UUID {
	raw := ctx.Cookies(a.Cookies.AccessName)
	if raw == "" {
		return nil
	}
	claims, err := a.Service.Tokens().Validate(raw)
	if err != nil {
		return nil
	}
	id, err := claims.AccountID()
	if err != nil {
		return nil
	}
	return &id
}

func decodeBody(ctx router.Context, v any) error {
	if err := json.Unmarshal(ctx.Body(), v); err != nil {
		return withDetails(ErrMalformedCredential, err, nil)
	}
	return nil
}

func (a *AuthController) respondSession(ctx router.Context, result *LoginResult) error {
	return ctx.JSON(http.StatusOK, sessionResponse{
		Account: accountResponse{
			ID:          result.Account.ID,
			DisplayName: result.Account.DisplayName,
			Email:       result.Account.Email,
			Roles:       result.Account.Roles.Strings(),
		},
		IsNewUser:       result.IsNewUser,
		Linked:          result.Linked,
		AccessExpiresAt: result.Tokens.AccessExpiresAt.Unix(),
	})
}

func (a *AuthController) respondError(ctx router.Context, err error) error {
	status := StatusForKind(KindOf(err))
	body := map[string]any{
		"error":     KindOf(err).String(),
		"text_code": TextCodeOf(err),
	}

	var richErr *errors.Error
	if errors.As(err, &richErr) {
		body["message"] = richErr.Message
	} else {
		body["message"] = http.StatusText(status)
	}

	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed: %v", err)
	} else if a.Debug {
		a.Logger.Debug("request rejected: %s", print.MaybePrettyJSON(body))
	}
	return ctx.JSON(status, body)
}

// StatusForKind maps an error kind to the HTTP status returned to clients
func StatusForKind(kind ErrorKind) int {
	switch kind {
	case KindNone:
		return http.StatusOK
	case KindInvalidSignature, KindStaleCredential, KindAuthenticationRequired,
		KindConflictLostRace, KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindMalformedCredential:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAccountExists:
		return http.StatusConflict
	case KindStoreError, KindCookieWriteFailure, KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
