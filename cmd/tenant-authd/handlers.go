package main

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	tenantAuth "github.com/MrEthical07/tenantAuth"
	"github.com/MrEthical07/tenantAuth/identity"
	"github.com/MrEthical07/tenantAuth/middleware"
)

// server maps the JSON API onto engine calls. Administrative operations
// are not exposed here.
type server struct {
	engine *tenantAuth.Engine
	log    *zap.Logger
}

func newServer(engine *tenantAuth.Engine, log *zap.Logger) *server {
	return &server{engine: engine, log: log}
}

func (s *server) routes(mux *http.ServeMux) {
	mux.Handle("POST /v1/register", s.public("register", s.register))
	mux.Handle("POST /v1/verify/otp", s.public("verify_otp", s.verifyOTP))
	mux.Handle("POST /v1/verify/link", s.public("verify_link", s.verifyLink))
	mux.Handle("POST /v1/verify/resend", s.public("verify_resend", s.resendRegistration))
	mux.Handle("POST /v1/login", s.public("login", s.login))
	mux.Handle("POST /v1/login/2fa", s.public("login_2fa", s.loginTwoFactor))
	mux.Handle("POST /v1/refresh", s.public("refresh", s.refresh))
	mux.Handle("POST /v1/password/reset/request", s.public("password_reset_request", s.requestReset))
	mux.Handle("POST /v1/password/reset", s.public("password_reset", s.reset))
	mux.Handle("POST /v1/account/activate", s.public("activate", s.activate))

	mux.Handle("GET /v1/me", s.private("me", s.me))
	mux.Handle("POST /v1/logout", s.private("logout", s.logout))
	mux.Handle("POST /v1/logout-all", s.private("logout_all", s.logoutAll))
	mux.Handle("POST /v1/password/change", s.private("password_change", s.changePassword))
	mux.Handle("POST /v1/account/deactivate", s.private("deactivate", s.deactivate))
	mux.Handle("POST /v1/account/2fa", s.private("two_factor", s.twoFactor))
}

func (s *server) public(route string, h http.HandlerFunc) http.Handler {
	return middleware.RequestContext(middleware.Admit(s.engine, route)(h))
}

func (s *server) private(route string, h http.HandlerFunc) http.Handler {
	return middleware.RequestContext(middleware.Guard(s.engine)(middleware.Admit(s.engine, route)(h)))
}

// fail writes err. Engine server errors are already logged with context.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Debug("request rejected",
		zap.String("path", r.URL.Path),
		zap.String("kind", tenantAuth.KindOf(err).String()),
		zap.Error(err),
	)
	middleware.WriteError(w, err)
}

type deviceBody struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Class string `json:"class"`
}

func (d deviceBody) info() tenantAuth.DeviceInfo {
	return tenantAuth.DeviceInfo{ID: d.ID, Name: d.Name, Class: identity.DeviceClass(d.Class)}
}

type tokenBody struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func tokens(p tenantAuth.TokenPair) tokenBody {
	return tokenBody{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

type verificationBody struct {
	Purpose    string    `json:"purpose"`
	Kind       string    `json:"kind"`
	Channel    string    `json:"channel"`
	ExpiresAt  time.Time `json:"expires_at"`
	Dispatched bool      `json:"dispatched"`
}

func verification(v tenantAuth.VerificationInfo) verificationBody {
	return verificationBody{
		Purpose:    string(v.Purpose),
		Kind:       v.Kind.String(),
		Channel:    string(v.Channel),
		ExpiresAt:  v.ExpiresAt,
		Dispatched: v.Dispatched,
	}
}

func (s *server) register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email            string     `json:"email"`
		PhoneCountryCode string     `json:"phone_country_code"`
		PhoneNumber      string     `json:"phone_number"`
		Password         string     `json:"password"`
		Channel          string     `json:"channel"`
		Device           deviceBody `json:"device"`
	}
	if !decode(w, r, &in) {
		return
	}
	res, err := s.engine.Register(r.Context(), tenantAuth.RegisterRequest{
		Email:            in.Email,
		PhoneCountryCode: in.PhoneCountryCode,
		PhoneNumber:      in.PhoneNumber,
		Password:         in.Password,
		Device:           in.Device.info(),
		Channel:          tenantAuth.Channel(in.Channel),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":      res.UserID,
		"verification": verification(res.Verification),
	})
}

func (s *server) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID   string `json:"user_id"`
		Purpose  string `json:"purpose"`
		DeviceID string `json:"device_id"`
		Code     string `json:"code"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := s.engine.ConfirmOTP(r.Context(), in.UserID, tenantAuth.Purpose(in.Purpose), in.DeviceID, in.Code); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) verifyLink(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Purpose string `json:"purpose"`
		Token   string `json:"token"`
	}
	if !decode(w, r, &in) {
		return
	}
	userID, err := s.engine.ConfirmLink(r.Context(), tenantAuth.Purpose(in.Purpose), in.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

func (s *server) resendRegistration(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID  string `json:"user_id"`
		Channel string `json:"channel"`
	}
	if !decode(w, r, &in) {
		return
	}
	info, err := s.engine.IssueVerification(r.Context(), in.UserID, tenantAuth.PurposeRegistration, "", tenantAuth.Channel(in.Channel))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verification(info))
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Identifier string     `json:"identifier"`
		Password   string     `json:"password"`
		Device     deviceBody `json:"device"`
	}
	if !decode(w, r, &in) {
		return
	}
	res, err := s.engine.Login(r.Context(), tenantAuth.LoginRequest{
		Identifier: in.Identifier,
		Password:   in.Password,
		Device:     in.Device.info(),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.TwoFactorRequired {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"user_id":             res.UserID,
			"two_factor_required": true,
			"challenge":           verification(*res.Challenge),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    res.UserID,
		"session_id": res.SessionID,
		"tokens":     tokens(res.Tokens),
	})
}

func (s *server) loginTwoFactor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
		Code     string `json:"code"`
	}
	if !decode(w, r, &in) {
		return
	}
	res, err := s.engine.CompleteTwoFactorLogin(r.Context(), in.UserID, in.DeviceID, in.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    res.UserID,
		"session_id": res.SessionID,
		"tokens":     tokens(res.Tokens),
	})
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &in) {
		return
	}
	res, err := s.engine.Refresh(r.Context(), in.RefreshToken, r.Header.Get(middleware.HeaderDeviceID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rotated": res.Rotated,
		"tokens":  tokens(res.Tokens),
	})
}

func (s *server) requestReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Identifier string `json:"identifier"`
		Channel    string `json:"channel"`
	}
	if !decode(w, r, &in) {
		return
	}
	if _, err := s.engine.RequestPasswordReset(r.Context(), in.Identifier, tenantAuth.Channel(in.Channel)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) reset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Identifier  string `json:"identifier"`
		Code        string `json:"code"`
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !decode(w, r, &in) {
		return
	}

	var (
		out tenantAuth.LogoutAllResult
		err error
	)
	if in.Token != "" {
		out, err = s.engine.ResetPasswordWithLink(r.Context(), in.Token, in.NewPassword)
	} else {
		out, err = s.engine.ResetPassword(r.Context(), in.Identifier, in.Code, in.NewPassword)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logoutAllBody(out))
}

func (s *server) activate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID   string `json:"user_id"`
		Password string `json:"password"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := s.engine.ActivateAccount(r.Context(), in.UserID, in.Password); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) me(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":  claims.TenantID,
		"user_id":    claims.UserID,
		"device_id":  claims.DeviceID,
		"session_id": claims.SessionID,
		"expires_at": claims.ExpiresAt,
	})
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	if _, err := s.engine.Logout(r.Context(), claims.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) logoutAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	out, err := s.engine.LogoutAll(r.Context(), claims.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logoutAllBody(out))
}

func (s *server) changePassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if !decode(w, r, &in) {
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	out, err := s.engine.ChangePassword(r.Context(), claims.UserID, in.Current, in.New)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body := logoutAllBody(out.LogoutAll)
	if out.Notice != "" {
		body["notice"] = out.Notice
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) deactivate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
	}
	if !decode(w, r, &in) {
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	if err := s.engine.DeactivateAccount(r.Context(), claims.UserID, in.Password); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) twoFactor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
		Enabled  bool   `json:"enabled"`
	}
	if !decode(w, r, &in) {
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	if err := s.engine.SetTwoFactor(r.Context(), claims.UserID, in.Password, in.Enabled); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func logoutAllBody(out tenantAuth.LogoutAllResult) map[string]any {
	return map[string]any{
		"invalidated": out.Invalidated,
		"failed":      out.Failed,
	}
}

const maxBodyBytes = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
