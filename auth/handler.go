package auth

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/mnehpets/lostpaw/endpoint"
	"github.com/mnehpets/lostpaw/middleware"
)

// LoginResult is the response of the login endpoint. Action is "done" when
// the caller already has a session, "redirect" when the client must follow
// URL to the identity provider.
type LoginResult struct {
	Action string `json:"action"`
	User   *User  `json:"user,omitempty"`
	URL    string `json:"url,omitempty"`
}

// ConfirmParams are the query parameters of the provider's redirect back.
type ConfirmParams struct {
	State     string `query:"state" maxLength:"512"`
	Code      string `query:"code" maxLength:"2048"`
	Error     string `query:"error" maxLength:"256"`
	ErrorDesc string `query:"error_description" maxLength:"1024"`
}

// Handler serves the login API for a Broker:
//
//	POST|GET {base}/login          start a login, or report the current user
//	GET      {base}/login/confirm  finish a login from the provider redirect
//	POST     {base}/logout         end the session
//
// The session processor must be among the handler's processors; without a
// session the endpoints fail with 500.
type Handler struct {
	mux        *http.ServeMux
	broker     *Broker
	processors []endpoint.Processor
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithProcessors adds endpoint processors, such as the session processor, to
// every login endpoint.
func WithProcessors(p ...endpoint.Processor) HandlerOption {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// NewHandler mounts the login API under basePath (e.g. "/api/v1").
func NewHandler(broker *Broker, basePath string, opts ...HandlerOption) *Handler {
	h := &Handler{mux: http.NewServeMux(), broker: broker}
	for _, opt := range opts {
		opt(h)
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	login := endpoint.HandleFunc(h.login, h.processors...)
	h.mux.HandleFunc("POST "+path.Join(basePath, "login"), login)
	h.mux.HandleFunc("GET "+path.Join(basePath, "login"), login)
	h.mux.HandleFunc("GET "+path.Join(basePath, "login", "confirm"), endpoint.HandleFunc(h.confirm, h.processors...))
	h.mux.HandleFunc("POST "+path.Join(basePath, "logout"), endpoint.HandleFunc(h.logout, h.processors...))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func sessionFrom(r *http.Request) (middleware.Session, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", errors.New("auth: no session on request"))
	}
	return sess, nil
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, err := sessionFrom(r)
	if err != nil {
		return nil, err
	}
	if email, ok := sess.Username(); ok {
		return &endpoint.JSONRenderer{Value: LoginResult{Action: "done", User: &User{Email: email}}}, nil
	}

	authURL, err := h.broker.Initiate(r.Context())
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "could not start login", err)
	}
	return &endpoint.JSONRenderer{Value: LoginResult{Action: "redirect", URL: authURL}}, nil
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, params ConfirmParams) (endpoint.Renderer, error) {
	sess, err := sessionFrom(r)
	if err != nil {
		return nil, err
	}

	if params.Error != "" {
		perr := &ProviderError{Code: params.Error, Description: params.ErrorDesc}
		h.broker.Abort(r.Context(), params.State, perr)
		return nil, endpoint.Error(http.StatusBadRequest, "login was not completed, please log in again", perr)
	}
	if params.State == "" || params.Code == "" {
		if params.State != "" {
			h.broker.Abort(r.Context(), params.State, ErrMissingCode)
		}
		return nil, endpoint.Error(http.StatusBadRequest, "missing state or code", ErrMissingCode)
	}

	user, err := h.broker.Confirm(r.Context(), params.State, params.Code)
	if err != nil {
		return nil, confirmError(err)
	}
	if err := sess.Login(user.Email); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "could not create session", err)
	}
	return &endpoint.JSONRenderer{Value: user}, nil
}

// confirmError maps Confirm failures to client responses. Verification
// details stay in the server log.
func confirmError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownOrExpiredState), errors.Is(err, ErrCSRFMismatch):
		return endpoint.Error(http.StatusBadRequest, "please log in again", err)
	case errors.Is(err, ErrTokenExchange):
		return endpoint.Error(http.StatusBadGateway, "login failed", err)
	case errors.Is(err, ErrTokenVerification), errors.Is(err, ErrAccessTokenSubstitution), errors.Is(err, ErrMissingEmail):
		return endpoint.Error(http.StatusUnauthorized, "login failed", err)
	default:
		return endpoint.Error(http.StatusInternalServerError, "login failed", err)
	}
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, err := sessionFrom(r)
	if err != nil {
		return nil, err
	}
	if err := sess.Logout(); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	return &endpoint.NoContentRenderer{}, nil
}
