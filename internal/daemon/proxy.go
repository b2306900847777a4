package daemon

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// newCostProxy forwards admitted requests to target and reports the cost the
// backend returns in costHeader. The header is not passed to the caller.
func newCostProxy(target *url.URL, costHeader string, logger creditgate.Logger) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ModifyResponse = func(resp *http.Response) error {
		raw := resp.Header.Get(costHeader)
		resp.Header.Del(costHeader)
		if raw == "" {
			return nil
		}
		cost, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			logger.Warn("upstream sent malformed cost",
				creditgate.Field{Key: "header", Value: costHeader},
				creditgate.Field{Key: "value", Value: raw},
			)
			return nil
		}
		creditgate.ReportCost(resp.Request.Context(), cost)
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream request failed",
			creditgate.Field{Key: "path", Value: r.URL.Path},
			creditgate.Field{Key: "error", Value: err},
		)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
	}
	return proxy
}
