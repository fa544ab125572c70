package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titanhq/execution-core/internal/metrics"
)

// router builds the gin engine mounting the webhook endpoint, the two
// websocket fan-outs, a liveness probe, and a Prometheus scrape endpoint
// over the private metrics.Registry.
func (a *App) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	a.dispatcher.RegisterRoutes(r)

	r.GET("/ws/status", gin.WrapF(a.status.ServeHTTP))
	r.GET("/ws/console", gin.WrapF(a.console.ServeHTTP))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"armed":           a.masterArm.Armed(),
			"phase":           a.phaseMgr.Current().Label,
			"console_clients": a.console.ClientCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	a.registerAdminRoutes(r)

	return r
}

// registerAdminRoutes mounts the read-only operator surface and the
// explicit re-arm endpoint: beyond the webhook and the two websockets,
// operators need a way to inspect current state and to re-arm execution
// after the DMS or drift guard has disarmed it, which only happens through
// an explicit reset.
func (a *App) registerAdminRoutes(r *gin.Engine) {
	r.GET("/status/positions", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.shadow.Positions())
	})
	r.GET("/status/intents", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.shadow.Intents())
	})
	r.GET("/status/safety", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.safetyGates.Snapshot())
	})
	r.POST("/admin/reset-arm", func(c *gin.Context) {
		a.dms.Reset()
		a.drift.Reset()
		a.masterArm.Enable("operator reset-arm")
		c.JSON(http.StatusOK, gin.H{"armed": a.masterArm.Armed()})
	})
}
