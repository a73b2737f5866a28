package handler

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"
)

// decodeBody decodes the request body into dst. Numbers inside free-form
// objects are kept as json.Number so they re-canonicalize exactly as signed.
func decodeBody(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	return dec.Decode(dst)
}

func pageParams(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
