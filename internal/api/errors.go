package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// Response dialects for the error boundary.
const (
	dialectOpenAI = iota
	dialectAnthropic
	dialectGemini
)

// asProxyError normalizes any pipeline error to a ProxyError.
func asProxyError(err error) *interfaces.ProxyError {
	var perr *interfaces.ProxyError
	if errors.As(err, &perr) {
		return perr
	}
	return interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "%v", err)
}

func errorStatus(perr *interfaces.ProxyError) int {
	switch perr.Kind {
	case interfaces.KindInvalidRequest:
		return http.StatusBadRequest
	case interfaces.KindUnauthorized:
		return http.StatusUnauthorized
	case interfaces.KindUnknownModel:
		if perr.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case interfaces.KindRateLimited:
		return http.StatusTooManyRequests
	case interfaces.KindAllBackendsUnavailable:
		return http.StatusServiceUnavailable
	}
	if perr.StatusCode > 0 {
		return perr.StatusCode
	}
	return http.StatusBadGateway
}

func openAIErrorBody(perr *interfaces.ProxyError) []byte {
	out := `{"error":{}}`
	out, _ = sjson.Set(out, "error.message", perr.Error())
	out, _ = sjson.Set(out, "error.type", perr.Kind.String())
	return []byte(out)
}

func geminiErrorBody(status int, perr *interfaces.ProxyError) []byte {
	out := `{"error":{}}`
	out, _ = sjson.Set(out, "error.code", status)
	out, _ = sjson.Set(out, "error.message", perr.Error())
	out, _ = sjson.Set(out, "error.status", http.StatusText(status))
	return []byte(out)
}

// writeError renders a pipeline error in the request's source dialect. A
// retry hint becomes a Retry-After header, rounded up to whole seconds.
func writeError(c *gin.Context, dialect int, err error) {
	perr := asProxyError(err)
	if perr.Kind == interfaces.KindCancelled {
		// The client is gone; there is nobody to answer.
		c.Abort()
		return
	}

	status := errorStatus(perr)
	if perr.RetryAfter > 0 {
		seconds := int64((perr.RetryAfter + time.Second - 1) / time.Second)
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
	}
	log.Debugf("request failed: %v", perr)

	switch dialect {
	case dialectAnthropic:
		c.Data(status, "application/json", translator.FromCanonicalAnthropicError(perr))
	case dialectGemini:
		c.Data(status, "application/json", geminiErrorBody(status, perr))
	default:
		c.Data(status, "application/json", openAIErrorBody(perr))
	}
}
