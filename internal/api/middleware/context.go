package middleware

import "context"

type contextKey string

const clientInfoKey contextKey = "client_info"

// ClientInfo is what the pipeline learned about the request, exposed to
// downstream business handlers: the resolved client address, its location
// when a lookup happened, and any risk flags raised by log-only checks.
type ClientInfo struct {
	IP        string
	Country   string
	City      string
	IsVPN     bool
	IsProxy   bool
	RiskFlags []string
}

// WithClientInfo returns a context carrying the pipeline's client info.
func WithClientInfo(ctx context.Context, info *ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey, info)
}

// ClientInfoFromContext returns the pipeline's client info, or nil when the
// request did not pass through the pipeline.
func ClientInfoFromContext(ctx context.Context) *ClientInfo {
	v := ctx.Value(clientInfoKey)
	if v == nil {
		return nil
	}
	info, _ := v.(*ClientInfo)
	return info
}
