package auth_test

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/mock"
)

// MockLogger implements auth.Logger
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(format string, args ...any) {
	m.Called(format, args)
}

func (m *MockLogger) Info(format string, args ...any) {
	m.Called(format, args)
}

func (m *MockLogger) Warn(format string, args ...any) {
	m.Called(format, args)
}

func (m *MockLogger) Error(format string, args ...any) {
	m.Called(format, args)
}

// routerContext is embedded under its own name so MockContext can define
// the Context method itself.
type routerContext = router.Context

var _ router.Context = (*MockContext)(nil)

// MockContext is a recording router.Context. Only the methods the auth
// handlers touch are implemented, anything else panics on the nil
// embedded interface.
type MockContext struct {
	routerContext

	mu         sync.Mutex
	ctx        context.Context
	body       []byte
	reqCookies map[string]string
	params     map[string]string

	written []*router.Cookie
	status  int
	payload any
}

func NewMockContext(body []byte) *MockContext {
	return &MockContext{
		ctx:        context.Background(),
		body:       body,
		reqCookies: map[string]string{},
		params:     map[string]string{},
	}
}

func (m *MockContext) WithCookie(name, value string) *MockContext {
	m.reqCookies[name] = value
	return m
}

func (m *MockContext) Context() context.Context {
	return m.ctx
}

func (m *MockContext) SetContext(ctx context.Context) {
	m.ctx = ctx
}

func (m *MockContext) Body() []byte {
	return m.body
}

func (m *MockContext) Param(key string, defaultValue ...string) string {
	if v, ok := m.params[key]; ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

func (m *MockContext) Cookies(key string, defaultValue ...string) string {
	if v, ok := m.reqCookies[key]; ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

func (m *MockContext) Cookie(cookie *router.Cookie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, cookie)
}

func (m *MockContext) JSON(code int, val any) error {
	m.status = code
	m.payload = val
	return nil
}

func (m *MockContext) NoContent(code int) error {
	m.status = code
	return nil
}

// Response decodes the JSON payload written by the handler.
func (m *MockContext) Response() map[string]any {
	raw, err := json.Marshal(m.payload)
	if err != nil {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Written returns the last cookie written under name.
func (m *MockContext) Written(name string) *router.Cookie {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.written) - 1; i >= 0; i-- {
		if m.written[i].Name == name {
			return m.written[i]
		}
	}
	return nil
}
