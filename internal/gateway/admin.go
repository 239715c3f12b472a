package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hospitalcore/gateway/internal/breaker"
	"github.com/hospitalcore/gateway/internal/pool"
	"github.com/hospitalcore/gateway/internal/registry"
	"github.com/hospitalcore/gateway/internal/router"
)

// adminState is what the admin endpoints expose.
type adminState struct {
	registry  *registry.Registry
	pools     *pool.Manager
	router    *router.Router
	breakers  *breaker.Registry
	readiness []string
	gatherer  prometheus.Gatherer
}

// newAdminEngine builds the gin engine serving health, readiness,
// introspection, and metrics endpoints.
func newAdminEngine(state adminState) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":  "hospital-gateway",
			"backends": len(state.registry.All()),
			"routes":   len(state.router.Routes()),
		})
	})

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		notReady := make([]string, 0)
		for _, name := range state.readiness {
			b, err := state.registry.Lookup(name)
			if err != nil || !b.Healthy() {
				notReady = append(notReady, name)
			}
		}
		if len(notReady) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "down",
				"notReady": notReady,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	admin := engine.Group("/gateway")
	admin.GET("/routes", func(c *gin.Context) {
		routes := state.router.Routes()
		out := make([]gin.H, 0, len(routes))
		for _, r := range routes {
			out = append(out, gin.H{
				"prefix":      r.Prefix,
				"backend":     r.Backend,
				"stripPrefix": r.StripPrefix,
				"rewrite":     r.Rewrite,
			})
		}
		c.JSON(http.StatusOK, out)
	})

	admin.GET("/backends", func(c *gin.Context) {
		backends := state.registry.All()
		out := make([]gin.H, 0, len(backends))
		for _, b := range backends {
			out = append(out, gin.H{
				"name":        b.Name,
				"address":     b.Address(),
				"healthy":     b.Healthy(),
				"multiplexed": b.Multiplexed,
			})
		}
		c.JSON(http.StatusOK, out)
	})

	admin.GET("/pools", func(c *gin.Context) {
		c.JSON(http.StatusOK, state.pools.Stats())
	})

	admin.GET("/breakers", func(c *gin.Context) {
		if state.breakers == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, state.breakers.States())
	})

	if state.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(state.gatherer, promhttp.HandlerOpts{})))
	}

	return engine
}
