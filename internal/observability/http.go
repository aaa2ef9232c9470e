package observability

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the relay and sync collectors in the Prometheus text
// or OpenMetrics format, whichever the scraper negotiates.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// ObserveAPIRequest records one collaborator request. Status codes of 400 and
// above also count as errors.
func ObserveAPIRequest(method, route string, status int, elapsed time.Duration) {
	label := strconv.Itoa(status)
	APIRequests().WithLabelValues(method, route, label).Inc()
	APILatency().WithLabelValues(method, route).Observe(elapsed.Seconds())
	if status >= fiber.StatusBadRequest {
		APIErrors().WithLabelValues(method, route, label).Inc()
	}
}
