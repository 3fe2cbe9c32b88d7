package handler

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/notification-hub/pkg/errors"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// Error writes err in the response envelope with the status its code maps to.
// Internal errors are recorded on the context for the request logger and never
// shown to the caller.
func Error(c *gin.Context, err error) {
	appErr := errors.As(err)
	status := appErr.StatusCode()
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, NewErrorResponse("internal server error"))
		return
	}
	c.JSON(status, NewErrorResponse(appErr.Message))
}

// BindError reports a request that failed to bind. Field validation failures
// are left to the validation middleware, which lists every failing field.
func BindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		c.Status(http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusBadRequest, NewErrorResponse("invalid request: "+err.Error()))
}
