// Package response writes the JSON envelope every endpoint answers with.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope. Fields is only set for
// validation failures and maps a request field to its problem.
type Body struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail sends an error envelope with the given status.
func Fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Body{Error: msg})
}

// Abort is Fail for middleware: it also stops the handler chain.
func Abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Body{Error: msg})
}

func BadRequest(c *gin.Context, msg string) { Fail(c, http.StatusBadRequest, msg) }

// Invalid sends 400 with per-field detail.
func Invalid(c *gin.Context, msg string, fields map[string]string) {
	c.JSON(http.StatusBadRequest, Body{Error: msg, Fields: fields})
}

func Unauthorized(c *gin.Context, msg string) { Fail(c, http.StatusUnauthorized, msg) }

func Forbidden(c *gin.Context, msg string) { Fail(c, http.StatusForbidden, msg) }

func NotFound(c *gin.Context, msg string) { Fail(c, http.StatusNotFound, msg) }

func Conflict(c *gin.Context, msg string) { Fail(c, http.StatusConflict, msg) }

// BadGateway reports that the media server failed to answer properly.
func BadGateway(c *gin.Context, msg string) { Fail(c, http.StatusBadGateway, msg) }

func ServiceUnavailable(c *gin.Context, msg string) { Fail(c, http.StatusServiceUnavailable, msg) }

func Internal(c *gin.Context, msg string) { Fail(c, http.StatusInternalServerError, msg) }
