package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// rendered is one stored export response.
type rendered struct {
	status      int
	contentType string
	disposition string
	body        []byte
}

// recorder tees the response body into buf.
type recorder struct {
	gin.ResponseWriter
	buf *bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// ResponseCache keeps rendered log exports keyed by request URI.
type ResponseCache struct {
	entries *cache.Cache
	ttl     time.Duration
}

// NewResponseCache creates a cache whose entries live for ttl.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ResponseCache{entries: cache.New(ttl, 2*ttl), ttl: ttl}
}

// Len returns the number of stored responses.
func (rc *ResponseCache) Len() int {
	return rc.entries.ItemCount()
}

// Flush drops every stored response.
func (rc *ResponseCache) Flush() {
	rc.entries.Flush()
}

// Serve answers GET requests from the cache and stores 2xx responses.
// Other methods pass through untouched.
func (rc *ResponseCache) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if v, found := rc.entries.Get(key); found {
			hit := v.(rendered)
			header := c.Writer.Header()
			header.Set("Content-Type", hit.contentType)
			if hit.disposition != "" {
				header.Set("Content-Disposition", hit.disposition)
			}
			header.Set("X-Cache", "HIT")
			c.Data(hit.status, hit.contentType, hit.body)
			c.Abort()
			return
		}

		rec := &recorder{ResponseWriter: c.Writer, buf: &bytes.Buffer{}}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status < 200 || status >= 300 {
			return
		}
		rc.entries.Set(key, rendered{
			status:      status,
			contentType: rec.Header().Get("Content-Type"),
			disposition: rec.Header().Get("Content-Disposition"),
			body:        rec.buf.Bytes(),
		}, rc.ttl)
	}
}

// Invalidate flushes the cache after every successful command.
func (rc *ResponseCache) Invalidate() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if status := c.Writer.Status(); status >= 200 && status < 300 {
			rc.Flush()
		}
	}
}
