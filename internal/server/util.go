package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stackup/internal/errs"
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

// isSafeName validates component names taken from query parameters.
// Allowed characters: A-Z a-z 0-9 . _ - and no consecutive dots forming "..".
func isSafeName(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeStateCorrupt:
		return http.StatusConflict
	case errs.CodeTimeout, errs.CodeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	writeJSON(c, statusFor(err), errorResp{
		Error: err.Error(),
		Code:  int(code),
		Name:  code.Name(),
		Hint:  errs.Hint(err),
	})
}
