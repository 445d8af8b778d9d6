package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/medauth/internal/authkit"
	"go.uber.org/zap"
)

// HealthHandlers serves the authenticated subject's chronic disease and allergy lists.
type HealthHandlers struct {
	profile *authkit.HealthProfile
	logger  *zap.Logger
}

// NewHealthHandlers constructs the /health handlers.
func NewHealthHandlers(profile *authkit.HealthProfile, logger *zap.Logger) *HealthHandlers {
	if profile == nil {
		panic("health profile is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandlers{profile: profile, logger: logger}
}

// Mount registers both lists on router behind requireSession.
func (handlers *HealthHandlers) Mount(router gin.IRouter, requireSession gin.HandlerFunc) {
	health := router.Group("/health", requireSession)
	for path, kind := range map[string]authkit.HealthKind{
		"/chronic-diseases": authkit.HealthChronicDisease,
		"/allergies":        authkit.HealthAllergy,
	} {
		health.GET(path, handlers.HandleList(kind))
		health.POST(path, handlers.HandleCreate(kind))
		health.DELETE(path+"/:id", handlers.HandleDelete(kind))
	}
}

// HandleList returns {"items": [...]} for kind.
func (handlers *HealthHandlers) HandleList(kind authkit.HealthKind) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		record, ok := requireUser(contextGin, handlers.logger, "api.health.list")
		if !ok {
			return
		}
		entries, err := handlers.profile.List(contextGin.Request.Context(), record.ID, kind)
		if err != nil {
			authkit.RespondError(contextGin, err)
			return
		}
		items := make([]gin.H, 0, len(entries))
		for _, entry := range entries {
			items = append(items, healthEntryBody(entry))
		}
		contextGin.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// HandleCreate records a new entry of kind and answers 201 with it.
func (handlers *HealthHandlers) HandleCreate(kind authkit.HealthKind) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		record, ok := requireUser(contextGin, handlers.logger, "api.health.create")
		if !ok {
			return
		}
		var inbound map[string]string
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		entry, err := handlers.profile.Add(contextGin.Request.Context(), record.ID, kind, inbound[kind.NameField()])
		if err != nil {
			authkit.RespondError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusCreated, healthEntryBody(entry))
	}
}

// HandleDelete removes one of the subject's entries of kind.
func (handlers *HealthHandlers) HandleDelete(kind authkit.HealthKind) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		record, ok := requireUser(contextGin, handlers.logger, "api.health.delete")
		if !ok {
			return
		}
		id, parseErr := strconv.ParseInt(contextGin.Param("id"), 10, 64)
		if parseErr != nil || id <= 0 {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		if err := handlers.profile.Remove(contextGin.Request.Context(), record.ID, kind, id); err != nil {
			authkit.RespondError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"detail": "deleted"})
	}
}

func healthEntryBody(entry authkit.HealthEntry) gin.H {
	return gin.H{
		"id":                   entry.ID,
		entry.Kind.NameField(): entry.Name,
	}
}
