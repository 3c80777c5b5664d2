package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"account-portal/internal/auth"
	"account-portal/internal/domain"
	"account-portal/internal/service"
)

// Handler wires HTTP routes to the account service.
type Handler struct {
	accounts     service.AccountService
	tokens       *auth.Issuer
	secureCookie bool
	log          logrus.FieldLogger
}

func NewHandler(accounts service.AccountService, tokens *auth.Issuer, secureCookie bool, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		accounts:     accounts,
		tokens:       tokens,
		secureCookie: secureCookie,
		log:          log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestLogger(h.log))

	router.GET("/", h.index)
	router.GET("/login", h.loginPage)
	router.POST("/login", h.login)
	router.GET("/register", h.registerPage)
	router.POST("/register", h.register)
	router.GET("/logout", h.logout)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	session := router.Group("/", h.requireSession())
	{
		session.GET("/home", h.home)
		session.POST("/update-preferences", h.updatePreferences)
		session.POST("/link-id", h.linkID)
		session.POST("/data", h.addData)
		session.POST("/delete-account", h.deleteAccount)
	}
}

func (h *Handler) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", page{Title: "Welcome", Notice: notices[c.Query("notice")]})
}

func (h *Handler) loginPage(c *gin.Context) {
	c.HTML(http.StatusOK, "login.html", page{Title: "Log in"})
}

func (h *Handler) login(c *gin.Context) {
	email := c.PostForm("email")
	if email == "" {
		// OAuth2-style password forms post the login as "username"
		email = c.PostForm("username")
	}

	account, err := h.accounts.VerifyLogin(c.Request.Context(), email, c.PostForm("password"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.HTML(http.StatusBadRequest, "login.html", page{
				Title: "Log in",
				Error: "Incorrect email or password",
				Email: email,
			})
			return
		}
		h.handleError(c, err)
		return
	}

	if err := h.startSession(c, account.Email); err != nil {
		h.handleError(c, err)
		return
	}
	c.Redirect(http.StatusSeeOther, "/home")
}

func (h *Handler) registerPage(c *gin.Context) {
	c.HTML(http.StatusOK, "register.html", page{Title: "Register"})
}

func (h *Handler) register(c *gin.Context) {
	input := service.NewAccount{
		Username: c.PostForm("username"),
		Email:    c.PostForm("email"),
		Password: c.PostForm("password"),
	}

	account, err := h.accounts.CreateAccount(c.Request.Context(), input)
	if err != nil {
		form := page{Title: "Register", Username: input.Username, Email: input.Email}
		switch {
		case errors.Is(err, service.ErrAccountExists):
			form.Error = "Email already registered"
		case errors.Is(err, service.ErrPasswordTooLong):
			form.Error = "Password must be at most 72 bytes"
		case errors.Is(err, service.ErrInvalidInput):
			form.Error = "Username, email and password are required"
		default:
			h.handleError(c, err)
			return
		}
		c.HTML(http.StatusBadRequest, "register.html", form)
		return
	}

	if err := h.startSession(c, account.Email); err != nil {
		h.handleError(c, err)
		return
	}
	c.Redirect(http.StatusSeeOther, "/home")
}

func (h *Handler) home(c *gin.Context) {
	view, err := h.accounts.GetAccountView(c.Request.Context(), sessionEmail(c))
	if err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			h.clearSession(c)
			c.Redirect(http.StatusSeeOther, "/login")
			return
		}
		h.handleError(c, err)
		return
	}

	c.HTML(http.StatusOK, "home.html", homePage(view, notices[c.Query("notice")]))
}

func (h *Handler) updatePreferences(c *gin.Context) {
	var patch domain.PreferencesPatch
	if theme := strings.TrimSpace(c.PostForm("theme")); theme != "" {
		patch.Theme = &theme
	}
	if language := strings.TrimSpace(c.PostForm("language")); language != "" {
		patch.Language = &language
	}
	notifications, err := parseCheckbox(c)
	if err != nil {
		h.badRequest(c, "notifications must be a boolean")
		return
	}
	patch.Notifications = notifications

	if err := h.accounts.UpsertPreferences(c.Request.Context(), sessionEmail(c), patch); err != nil {
		h.handleError(c, err)
		return
	}
	redirectHome(c, "prefs-saved")
}

func (h *Handler) linkID(c *gin.Context) {
	changed, err := h.accounts.LinkExternalID(c.Request.Context(), sessionEmail(c), c.PostForm("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	if !changed {
		redirectHome(c, "link-unchanged")
		return
	}
	redirectHome(c, "linked")
}

func (h *Handler) addData(c *gin.Context) {
	payload := json.RawMessage(strings.TrimSpace(c.PostForm("payload")))
	if _, err := h.accounts.AddUserData(c.Request.Context(), sessionEmail(c), payload); err != nil {
		h.handleError(c, err)
		return
	}
	redirectHome(c, "data-added")
}

func (h *Handler) deleteAccount(c *gin.Context) {
	if err := h.accounts.DeleteAccount(c.Request.Context(), sessionEmail(c)); err != nil {
		h.handleError(c, err)
		return
	}
	h.clearSession(c)
	c.Redirect(http.StatusSeeOther, "/?notice=account-deleted")
}

func (h *Handler) logout(c *gin.Context) {
	h.clearSession(c)
	c.Redirect(http.StatusSeeOther, "/")
}

// handleError maps service errors onto status codes and renders the error page.
func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		h.badRequest(c, err.Error())
	case errors.Is(err, service.ErrAccountNotFound):
		c.HTML(http.StatusNotFound, "error.html", page{Title: "Not found", Error: "Account not found"})
	default:
		h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("unhandled internal error")
		c.HTML(http.StatusInternalServerError, "error.html", page{Title: "Error", Error: "An unexpected error occurred"})
	}
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	c.HTML(http.StatusBadRequest, "error.html", page{Title: "Bad request", Error: msg})
}

func redirectHome(c *gin.Context, notice string) {
	c.Redirect(http.StatusSeeOther, "/home?notice="+url.QueryEscape(notice))
}

// parseCheckbox reads the notifications box. An unchecked box only counts as
// false when the form also posts the notifications_shown marker; otherwise the
// stored value is left alone.
func parseCheckbox(c *gin.Context) (*bool, error) {
	raw, ok := c.GetPostForm("notifications")
	if !ok {
		if c.PostForm("notifications_shown") == "" {
			return nil, nil
		}
		off := false
		return &off, nil
	}
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "on") {
		on := true
		return &on, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func homePage(view *domain.AccountView, notice string) page {
	p := page{
		Title:    "Home",
		Notice:   notice,
		Username: view.Username,
		Email:    view.Email,
		Data:     make([]dataItem, len(view.Data)),
	}
	if view.LinkedID != nil {
		p.LinkedID = *view.LinkedID
	}
	if view.Preferences.Theme != nil {
		p.Theme = *view.Preferences.Theme
	}
	if view.Preferences.Notifications != nil {
		p.Notifications = *view.Preferences.Notifications
	}
	if view.Preferences.Language != nil {
		p.Language = *view.Preferences.Language
	}
	for i, item := range view.Data {
		p.Data[i] = dataItem{ID: item.ID, Payload: string(item.Payload)}
	}
	return p
}
