package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/swapr/internal/upgrade"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeAbsPath accepts "" or an absolute path that filepath.Clean leaves
// unchanged apart from trailing separators. NUL bytes are rejected.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if strings.ContainsRune(p, 0) || !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	sep := string(filepath.Separator)
	trimmed := strings.TrimRight(p, sep)
	if trimmed == "" {
		trimmed = p // keep root like "/" on Unix
	}
	return clean == p || clean == trimmed
}

// httpStatus maps an attempt result to the response code.
func httpStatus(res upgrade.Result) int {
	switch {
	case res.Succeeded():
		return http.StatusOK
	case res.Kind == upgrade.KindLockContention:
		return http.StatusConflict
	case res.Outcome == upgrade.OutcomeRolledBack:
		return http.StatusUnprocessableEntity
	case res.Kind == upgrade.KindNoBackupAvailable || res.Kind == upgrade.KindNoCandidateBinary:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
