package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/medauth/internal/authkit"
	"go.uber.org/zap"
)

// ProfileHandlers serves the authenticated subject's own account endpoints.
// Every handler expects authkit's RequireSession to have run first.
type ProfileHandlers struct {
	service       *authkit.Service
	configuration authkit.ServerConfig
	logger        *zap.Logger
}

// NewProfileHandlers constructs the /users/me handlers.
func NewProfileHandlers(service *authkit.Service, configuration authkit.ServerConfig, logger *zap.Logger) *ProfileHandlers {
	if service == nil {
		panic("auth service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileHandlers{service: service, configuration: configuration, logger: logger}
}

// Mount registers the handlers on router behind requireSession.
func (handlers *ProfileHandlers) Mount(router gin.IRouter, requireSession gin.HandlerFunc) {
	me := router.Group("/users/me", requireSession)
	me.GET("", handlers.HandleWhoAmI)
	me.PATCH("", handlers.HandleUpdateProfile)
	me.DELETE("", handlers.HandleWithdraw)
	me.POST("/password", handlers.HandleChangePassword)
}

// HandleWhoAmI returns the authenticated subject's profile.
func (handlers *ProfileHandlers) HandleWhoAmI(contextGin *gin.Context) {
	record, ok := handlers.currentUser(contextGin, "api.me")
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, authkit.NewProfile(record))
}

// HandleUpdateProfile applies a partial profile update.
func (handlers *ProfileHandlers) HandleUpdateProfile(contextGin *gin.Context) {
	record, ok := handlers.currentUser(contextGin, "api.me.update")
	if !ok {
		return
	}
	var update authkit.ProfileUpdate
	if err := contextGin.ShouldBindJSON(&update); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	updated, err := handlers.service.UpdateProfile(contextGin.Request.Context(), record.ID, update)
	if err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, authkit.NewProfile(updated))
}

// HandleChangePassword replaces the password and ends the current session.
func (handlers *ProfileHandlers) HandleChangePassword(contextGin *gin.Context) {
	record, ok := handlers.currentUser(contextGin, "api.me.password")
	if !ok {
		return
	}
	var inbound struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if err := handlers.service.ChangePassword(contextGin.Request.Context(), record.ID, inbound.CurrentPassword, inbound.NewPassword); err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	authkit.ClearRefreshCookie(contextGin, handlers.configuration)
	contextGin.Status(http.StatusNoContent)
}

// HandleWithdraw deletes the account. Local accounts confirm with their password.
func (handlers *ProfileHandlers) HandleWithdraw(contextGin *gin.Context) {
	record, ok := handlers.currentUser(contextGin, "api.me.withdraw")
	if !ok {
		return
	}
	var inbound struct {
		Password string `json:"password"`
	}
	if contextGin.Request.ContentLength > 0 {
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
	}
	if err := handlers.service.Withdraw(contextGin.Request.Context(), record.ID, inbound.Password); err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	handlers.logger.Info("account withdrawn via api", zap.String("code", "api.me.withdrawn"))
	authkit.ClearRefreshCookie(contextGin, handlers.configuration)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *ProfileHandlers) currentUser(contextGin *gin.Context, code string) (authkit.UserRecord, bool) {
	return requireUser(contextGin, handlers.logger, code)
}

func requireUser(contextGin *gin.Context, logger *zap.Logger, code string) (authkit.UserRecord, bool) {
	record, ok := authkit.CurrentUser(contextGin)
	if !ok || record.ID == "" {
		logger.Warn("missing authenticated user on context",
			zap.String("code", code+".missing_user"))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return authkit.UserRecord{}, false
	}
	return record, true
}
