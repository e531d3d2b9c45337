package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"forge/internal/taskerr"
)

// APIResponse is the uniform JSON envelope every handler in this package
// returns, success or failure.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

// respondErr maps err through the taxonomy's HTTP status mapping and
// writes the uniform error envelope.
func respondErr(c *gin.Context, err error) {
	c.JSON(taskerr.HTTPStatus(err), APIResponse{Success: false, Error: err.Error()})
}
