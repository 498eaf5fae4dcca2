package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
)

// NewRouter creates an Echo instance that logs requests through logger and
// recovers from handler panics.
func NewRouter(logger log.Logger) *echo.Echo {
	logger = log.OrDefault(logger)
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warnf("http: %s %s -> %d in %s: %v", v.Method, v.URIPath, v.Status, v.Latency, v.Error)
				return nil
			}
			logger.Debugf("http: %s %s -> %d in %s", v.Method, v.URIPath, v.Status, v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	return e
}
