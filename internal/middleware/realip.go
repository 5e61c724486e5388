package middleware

import (
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewTrustedRealIPMiddleware は接続元がtrustedに含まれる場合だけ、chiのRealIPで
// X-Real-IP等のヘッダーからクライアントIPを復元するミドルウェアを返す。
// それ以外の接続ではヘッダーを無視し、RemoteAddrをそのまま使う。
// 信頼するプロキシはX-Real-IPを上書きするよう設定しておくこと。
func NewTrustedRealIPMiddleware(trusted []*net.IPNet) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		viaProxy := chimw.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fromTrusted(r.RemoteAddr, trusted) {
				viaProxy.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fromTrusted(remoteAddr string, trusted []*net.IPNet) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
