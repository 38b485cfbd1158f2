package rest

import "github.com/gin-gonic/gin"

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// abortWithError writes the error payload every handler uses.
func abortWithError(c *gin.Context, status int, code, message string, err error) {
	body := ErrorResponse{Error: ErrorBody{Code: code, Message: message}}
	if err != nil {
		body.Error.Details = err.Error()
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}
