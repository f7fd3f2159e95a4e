package api

import (
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// mountPprof serves net/http/pprof under /debug/pprof behind the API key.
func mountPprof(r *gin.Engine, key string) {
	g := r.Group("/debug/pprof", requireKey(key))
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	// Named profiles (heap, goroutine, block, ...) are served by Index.
	g.GET("/:profile", func(c *gin.Context) {
		if strings.ContainsRune(c.Param("profile"), '.') {
			c.Status(http.StatusNotFound)
			return
		}
		pprof.Index(c.Writer, c.Request)
	})
}
