package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recapd/recapd/internal/apperr"
)

// DataResponse is the standard success envelope.
type DataResponse struct {
	Data any `json:"data"`
}

// RespondWithError derives the status and structured body from err.
func RespondWithError(c *gin.Context, err error) {
	ae := apperr.From(err)
	c.JSON(ae.HTTPStatus, ae.ToResponse())
}

// RespondOK sends a 200 response wrapping data.
func RespondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, DataResponse{Data: data})
}

// RespondAccepted sends a 202 response wrapping data.
func RespondAccepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, DataResponse{Data: data})
}
