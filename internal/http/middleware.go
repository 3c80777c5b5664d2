package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"account-portal/internal/auth"
)

const (
	sessionCookie = "access_token"
	emailKey      = "session_email"
)

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}

// requireSession resolves the session cookie to an email or sends the client to /login.
func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, err := c.Cookie(sessionCookie)
		if err != nil {
			c.Redirect(http.StatusSeeOther, "/login")
			c.Abort()
			return
		}

		token, err := auth.TokenFromCookie(value)
		if err == nil {
			var email string
			if email, err = h.tokens.Parse(token); err == nil {
				c.Set(emailKey, email)
				c.Next()
				return
			}
		}

		h.log.WithError(err).Debug("rejecting session cookie")
		h.clearSession(c)
		c.Redirect(http.StatusSeeOther, "/login")
		c.Abort()
	}
}

func sessionEmail(c *gin.Context) string {
	return c.GetString(emailKey)
}

func (h *Handler) startSession(c *gin.Context, email string) error {
	token, err := h.tokens.Issue(email)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, auth.CookieValue(token), int(h.tokens.TTL().Seconds()), "/", "", h.secureCookie, true)
	return nil
}

func (h *Handler) clearSession(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", h.secureCookie, true)
}
