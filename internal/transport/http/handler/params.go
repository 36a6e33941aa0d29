package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"projectfinder/internal/errs"
	"projectfinder/internal/vectorindex"
)

func parseUintParam(c *gin.Context, name string) (uint, error) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errs.InvalidQueryf("invalid %s %q", name, raw)
	}
	return uint(id), nil
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.InvalidQueryf("invalid %s %q", name, raw)
	}
	return n, nil
}

func queryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errs.InvalidQueryf("invalid %s %q", name, raw)
	}
	return b, nil
}

func queryFloat(c *gin.Context, name string) (*float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errs.InvalidQueryf("invalid %s %q", name, raw)
	}
	return &f, nil
}

// queryTime accepts a date (2006-01-02) or an RFC 3339 timestamp.
func queryTime(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errs.InvalidQueryf("invalid %s %q", name, raw)
}

func parseFilters(c *gin.Context) (vectorindex.Filters, error) {
	f := vectorindex.Filters{
		Category: c.Query("category"),
		Status:   c.Query("status"),
	}
	var err error
	if f.ITOnly, err = queryBool(c, "it_only"); err != nil {
		return f, err
	}
	if f.PublishedFrom, err = queryTime(c, "published_from"); err != nil {
		return f, err
	}
	if f.PublishedTo, err = queryTime(c, "published_to"); err != nil {
		return f, err
	}
	if f.AmountMin, err = queryFloat(c, "amount_min"); err != nil {
		return f, err
	}
	if f.AmountMax, err = queryFloat(c, "amount_max"); err != nil {
		return f, err
	}
	return f, f.Validate()
}
