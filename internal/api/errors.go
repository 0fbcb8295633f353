package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gridline/gridline/internal/types"
)

// errorStatus maps the error taxonomy onto HTTP. The client also gets the
// class name and message in ExceptionClass/ExceptionMessage headers, which
// existing tooling parses in preference to the body.
var errorStatus = []struct {
	err    error
	status int
	class  string
}{
	{types.ErrDataIdentifierNotFound, http.StatusNotFound, "DataIdentifierNotFound"},
	{types.ErrScopeNotFound, http.StatusNotFound, "ScopeNotFound"},
	{types.ErrRSENotFound, http.StatusNotFound, "RSENotFound"},
	{types.ErrReplicationRuleNotFound, http.StatusNotFound, "RuleNotFound"},
	{types.ErrKeyNotFound, http.StatusNotFound, "KeyNotFound"},
	{types.ErrDataIdentifierAlreadyExists, http.StatusConflict, "DataIdentifierAlreadyExists"},
	{types.ErrFileAlreadyExists, http.StatusConflict, "FileAlreadyExists"},
	{types.ErrDuplicate, http.StatusConflict, "Duplicate"},
	{types.ErrUnsupportedOperation, http.StatusConflict, "UnsupportedOperation"},
	{types.ErrUnsupportedStatus, http.StatusConflict, "UnsupportedStatus"},
	{types.ErrInsufficientTargetRSEs, http.StatusConflict, "InsufficientTargetRSEs"},
	{types.ErrInsufficientAccountLimit, http.StatusConflict, "InsufficientAccountLimit"},
	{types.ErrInsufficientQuota, http.StatusConflict, "InsufficientQuota"},
	{types.ErrInvalidMetadata, http.StatusBadRequest, "InvalidMetadata"},
	{types.ErrInvalidValueForKey, http.StatusBadRequest, "InvalidValueForKey"},
	{types.ErrInvalidRuleWeight, http.StatusBadRequest, "InvalidRuleWeight"},
	{types.ErrInvalidReplicationRule, http.StatusBadRequest, "InvalidReplicationRule"},
	{types.ErrAccessDenied, http.StatusUnauthorized, "AccessDenied"},
	{types.ErrCannotAuthenticate, http.StatusUnauthorized, "CannotAuthenticate"},
	{types.ErrServiceUnavailable, http.StatusServiceUnavailable, "ServiceUnavailable"},
	{types.ErrDatabase, http.StatusInternalServerError, "DatabaseException"},
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	class := "InternalError"
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			status = m.status
			class = m.class
			break
		}
	}
	c.Header("ExceptionClass", class)
	c.Header("ExceptionMessage", err.Error())
	c.AbortWithStatusJSON(status, gin.H{"error": class, "message": err.Error()})
}
