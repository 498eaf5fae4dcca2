package telephony

import (
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// ParamsKey is the echo context key holding the verified webhook form.
const ParamsKey = "twilioParams"

// Params returns the verified webhook form set by SignatureMiddleware.
func Params(c echo.Context) map[string]string {
	p, _ := c.Get(ParamsKey).(map[string]string)
	if p == nil {
		return map[string]string{}
	}
	return p
}

// SignatureMiddleware rejects webhooks whose X-Twilio-Signature does not match
// the auth token. publicURL, if set, is used to rebuild the signed URL.
func SignatureMiddleware(authToken, publicURL string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}
			body, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "failed to read request body")
			}
			form, err := url.ParseQuery(string(body))
			if err != nil {
				return c.String(http.StatusBadRequest, "failed to parse form data")
			}
			params := make(map[string]string, len(form))
			for key, values := range form {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signed := AbsoluteURL(c.Request(), publicURL, c.Request().URL.RequestURI())
			signature := c.Request().Header.Get("X-Twilio-Signature")
			if signature == "" || !validator.Validate(signed, params, signature) {
				return c.String(http.StatusUnauthorized, "invalid Twilio signature")
			}

			c.Set(ParamsKey, params)
			return next(c)
		}
	}
}

// StreamSignatureMiddleware rejects media stream upgrades that Twilio did not
// sign. Twilio signs the wss URL of the stream with no form parameters.
func StreamSignatureMiddleware(authToken, publicURL string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}
			r := c.Request()
			signed := StreamURL(AbsoluteURL(r, publicURL, "/"))
			if r.URL.RawQuery != "" {
				signed += "?" + r.URL.RawQuery
			}
			signature := r.Header.Get("X-Twilio-Signature")
			if signature == "" || !validator.Validate(signed, map[string]string{}, signature) {
				return c.String(http.StatusUnauthorized, "invalid Twilio signature")
			}
			return next(c)
		}
	}
}
