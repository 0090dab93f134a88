package spot

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"cex-order-core/internal/apperr"
)

// Binance error codes the client treats specially.
const (
	codeUnknown           = -1000
	codeTimeout           = -1007
	codeTooManyRequests   = -1003
	codeIPBanned          = -1015
	codeUnauthorized      = -1002
	codeInvalidSignature  = -1022
	codeNewOrderRejected  = -2010
	codeCancelRejected    = -2011
	codeNoSuchOrder       = -2013
	codeRejectedMBXKey    = -2014
	codeInvalidAPIKeyOrIP = -2015
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseAPIError turns an error response into an apperr.Error that carries
// the exchange's code and message.
func parseAPIError(status int, body []byte) error {
	var payload apiError
	if err := json.Unmarshal(body, &payload); err != nil || payload.Msg == "" {
		payload.Msg = strings.TrimSpace(string(body))
		if payload.Msg == "" {
			payload.Msg = http.StatusText(status)
		}
	}
	return classify(status, payload.Code, payload.Msg)
}

func classify(status, code int, msg string) error {
	switch {
	case code == codeCancelRejected || code == codeNoSuchOrder:
		e := apperr.OrderNotFound("%s", msg)
		e.Code = code
		return e
	case status == http.StatusUnauthorized, code == codeUnauthorized, code == codeInvalidSignature,
		code == codeRejectedMBXKey, code == codeInvalidAPIKeyOrIP:
		return apperr.Exchange(http.StatusUnauthorized, code, msg, nil)
	case status == http.StatusTooManyRequests, status == http.StatusTeapot,
		code == codeTooManyRequests, code == codeIPBanned:
		return apperr.Exchange(http.StatusTooManyRequests, code, msg, nil)
	case status >= 500, code == codeTimeout, code == codeUnknown:
		// The exchange may or may not have executed the request.
		e := apperr.Exchange(http.StatusBadGateway, code, msg, nil)
		e.Uncertain = true
		return e
	case status >= 400:
		return apperr.Exchange(http.StatusBadRequest, code, msg, nil)
	default:
		return apperr.Exchange(http.StatusBadGateway, code, msg, nil)
	}
}

// transportError marks failures where no response was read. The request may
// still have reached the exchange.
func transportError(req *http.Request, err error) error {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	e := apperr.Exchange(status, 0, "exchange unreachable: "+req.Method+" "+req.URL.Path, err)
	e.Uncertain = true
	return e
}

// isNoSuchOrder reports whether err is the exchange's "unknown order" answer.
func isNoSuchOrder(err error) bool {
	e, ok := apperr.As(err)
	return ok && (e.Code == codeCancelRejected || e.Code == codeNoSuchOrder)
}
