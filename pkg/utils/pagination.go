package utils

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"roomchat/internal/domain/entity"
	"roomchat/pkg/errors"
)

// MaxPageSize caps the limit query parameter.
const MaxPageSize = 500

// GetCursorParams extracts after_id/limit from the request. A missing limit
// means the full remaining history.
func GetCursorParams(c echo.Context) (entity.PageQuery, error) {
	var page entity.PageQuery

	if raw := c.QueryParam("after_id"); raw != "" {
		afterID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || afterID < 0 {
			return page, errors.Validation("after_id must be a non-negative integer", err)
		}
		page.AfterID = afterID
	}

	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return page, errors.Validation("limit must be a positive integer", err)
		}
		if limit > MaxPageSize {
			limit = MaxPageSize
		}
		page.Limit = limit
	}

	return page, nil
}

// QueryInt64 parses a required positive integer query parameter.
func QueryInt64(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, errors.Validation(name+" is required", nil)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, errors.Validation(name+" must be a positive integer", err)
	}
	return value, nil
}
