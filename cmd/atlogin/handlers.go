package main

import (
	"crypto/rand"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/atlogin/accounts"
	"github.com/bluesky-social/atlogin/atproto/auth/oauth"
	"github.com/bluesky-social/atlogin/atproto/syntax"

	"github.com/flosch/pongo2/v6"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
)

// reason codes which may be shown on the failure page
var knownReasons = map[string]bool{
	oauth.ReasonUnknownHandle:      true,
	oauth.ReasonDiscoveryError:     true,
	oauth.ReasonSessionExpired:     true,
	oauth.ReasonInvalidCredentials: true,
	oauth.ReasonCSRFDetected:       true,
	oauth.ReasonAccessDenied:       true,
	oauth.ReasonHandleRequired:     true,
	oauth.ReasonInternalError:      true,
}

// Loads the browser session. A cookie which fails to decode (eg, after a secret rotation) yields a fresh session.
func (srv *Server) session(c echo.Context) *sessions.Session {
	sess, err := srv.cookies.Get(c.Request(), sessionCookieName)
	if err != nil {
		srv.logger.Debug("discarding undecodable session cookie", "err", err)
	}
	return sess
}

func (srv *Server) redirectFailure(c echo.Context, reason string) error {
	return c.Redirect(http.StatusFound, "/auth/failure?"+url.Values{"reason": []string{reason}}.Encode())
}

func (srv *Server) HandleClientMetadata(c echo.Context) error {
	meta := srv.oauth.Config.ClientMetadata()

	// internal consistency check
	if err := meta.Validate(srv.oauth.Config.ClientID()); err != nil {
		srv.logger.Error("validating client metadata", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	c.Response().Header().Set("Cache-Control", "public, max-age=3600")
	return c.JSON(http.StatusOK, meta)
}

func (srv *Server) HandleJWKS(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=3600")
	return c.JSON(http.StatusOK, srv.oauth.Config.PublicJWKS())
}

func (srv *Server) WebHome(c echo.Context) error {
	data := pongo2.Context{"enabled": srv.enabled}
	sess := srv.session(c)
	did, _ := sess.Values["account_did"].(string)
	if did == "" {
		return c.Render(http.StatusOK, "home.html", data)
	}
	handle, _ := sess.Values["handle"].(string)
	data["did"] = did
	data["handle"] = handle

	if l, ok := srv.linker.(*accounts.Linker); ok {
		acct, err := l.LookupAccount(c.Request().Context(), syntax.DID(did))
		if err == nil {
			data["account"] = acct
		} else if !errors.Is(err, accounts.ErrNotLinked) {
			srv.logger.Warn("failed to load linked account", "did", did, "err", err)
		}
	}
	return c.Render(http.StatusOK, "home.html", data)
}

// Starts a login. Without a handle, renders the handle form.
func (srv *Server) HandleLogin(c echo.Context) error {
	if !srv.enabled {
		return echo.ErrNotFound
	}
	ctx := c.Request().Context()

	handle := strings.TrimSpace(c.FormValue("handle"))
	if handle == "" {
		loginRequests.WithLabelValues("form").Inc()
		return c.Render(http.StatusOK, "login.html", pongo2.Context{})
	}

	flowID := rand.Text()
	redirectURL, err := srv.oauth.StartAuthFlow(ctx, flowID, handle)
	if err != nil {
		// failures leave the session, and any earlier pending flow, as it was
		if errors.Is(err, oauth.ErrHandleRequired) {
			loginRequests.WithLabelValues("form").Inc()
			return c.Render(http.StatusOK, "login.html", pongo2.Context{})
		}
		loginRequests.WithLabelValues("failure").Inc()
		return srv.redirectFailure(c, oauth.ReasonFor(err))
	}

	// a started flow replaces any earlier pending attempt in this browser
	sess := srv.session(c)
	sess.Values["flow_id"] = flowID
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		srv.logger.Error("failed to save session", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	loginRequests.WithLabelValues("redirect").Inc()
	return c.Redirect(http.StatusFound, redirectURL)
}

func (srv *Server) HandleCallback(c echo.Context) error {
	if !srv.enabled {
		return echo.ErrNotFound
	}
	ctx := c.Request().Context()

	// the pending flow ID is single-use, whatever the outcome
	sess := srv.session(c)
	flowID, _ := sess.Values["flow_id"].(string)
	delete(sess.Values, "flow_id")

	fail := func(reason string) error {
		callbacks.WithLabelValues("failure").Inc()
		if err := sess.Save(c.Request(), c.Response()); err != nil {
			srv.logger.Error("failed to save session", "err", err)
		}
		return srv.redirectFailure(c, reason)
	}

	if flowID == "" {
		return fail(oauth.ReasonSessionExpired)
	}

	ident, err := srv.oauth.ProcessCallback(ctx, flowID, c.QueryParams())
	if err != nil {
		return fail(oauth.ReasonFor(err))
	}
	if ident.DID == "" {
		// nothing to sign in as
		return fail(oauth.ReasonInvalidCredentials)
	}

	if srv.linker != nil {
		res, err := srv.linker.LinkAccount(ctx, ident)
		if err != nil {
			srv.logger.Error("account linking failed", "did", ident.DID, "err", err)
			accountLinks.WithLabelValues("error").Inc()
			if errors.Is(err, accounts.ErrNoDID) {
				return fail(oauth.ReasonInvalidCredentials)
			}
			return fail(oauth.ReasonInternalError)
		}
		switch {
		case res.Created:
			accountLinks.WithLabelValues("created").Inc()
		case res.MatchedByEmail:
			accountLinks.WithLabelValues("email").Inc()
		default:
			accountLinks.WithLabelValues("existing").Inc()
		}
		sess.Values["account_id"] = res.AccountID
	}

	// signed cookie session, indicating account DID
	sess.Values["account_did"] = ident.DID.String()
	sess.Values["handle"] = ident.Handle.String()
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		srv.logger.Error("failed to save session", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	callbacks.WithLabelValues("success").Inc()
	srv.logger.Info("login successful", "did", ident.DID, "handle", ident.Handle)
	return c.Redirect(http.StatusFound, "/")
}

func (srv *Server) HandleFailure(c echo.Context) error {
	reason := c.QueryParam("reason")
	if !knownReasons[reason] {
		reason = ""
	}
	return c.Render(http.StatusOK, "failure.html", pongo2.Context{"reason": reason})
}

func (srv *Server) HandleLogout(c echo.Context) error {
	// wipe all secure cookie session data
	sess := srv.session(c)
	sess.Values = make(map[any]any)
	sess.Options.MaxAge = -1
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		srv.logger.Error("failed to clear session", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.Redirect(http.StatusFound, "/")
}

// Removes the link between the signed-in DID and its local account, then signs out.
func (srv *Server) HandleUnlink(c echo.Context) error {
	if !srv.enabled {
		return echo.ErrNotFound
	}
	sess := srv.session(c)
	did, _ := sess.Values["account_did"].(string)
	if did == "" {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}

	l, ok := srv.linker.(*accounts.Linker)
	if !ok {
		return echo.ErrNotFound
	}
	err := l.UnlinkAccount(c.Request().Context(), syntax.DID(did))
	if err != nil && !errors.Is(err, accounts.ErrNotLinked) {
		srv.logger.Error("failed to unlink account", "did", did, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	if err == nil {
		accountLinks.WithLabelValues("unlinked").Inc()
	}
	return srv.HandleLogout(c)
}
