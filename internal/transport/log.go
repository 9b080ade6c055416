package transport

import (
	"encoding/json"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const censored = "$censored"

var sensitiveFields = []string{"password"}

// RequestLogger writes one line per request.
func RequestLogger(logger *zap.SugaredLogger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogUserAgent: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []interface{}{
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"duration", v.Latency,
				"remote_ip", v.RemoteIP,
				"user_agent", v.UserAgent,
			}
			if v.Error != nil {
				logger.Warnw("http_request", append(fields, "error", v.Error)...)
				return nil
			}
			logger.Infow("http_request", fields...)
			return nil
		},
	})
}

// BodyLogger dumps request bodies at debug level with secrets censored.
func BodyLogger(logger *zap.SugaredLogger) echo.MiddlewareFunc {
	enabled := logger.Desugar().Core().Enabled(zapcore.DebugLevel)
	return middleware.BodyDumpWithConfig(middleware.BodyDumpConfig{
		Skipper: func(c echo.Context) bool {
			return !enabled || c.Path() == "/bookmark/feed"
		},
		Handler: func(c echo.Context, reqBody, _ []byte) {
			if len(reqBody) == 0 {
				return
			}
			logger.Debugw("request body", "path", c.Path(), "body", string(censorBody(reqBody)))
		},
	})
}

// censorBody replaces sensitive top-level JSON fields. Non-object bodies are
// returned unchanged.
func censorBody(body []byte) []byte {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}

	changed := false
	for _, name := range sensitiveFields {
		if _, ok := fields[name]; ok {
			fields[name] = json.RawMessage(`"` + censored + `"`)
			changed = true
		}
	}
	if !changed {
		return body
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}
