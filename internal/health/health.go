package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
}

const pingTimeout = time.Second

// HTTPHandler reports liveness plus a database reachability probe. A nil
// pool skips the probe so the endpoint stays usable in tests and tools
// running without a database.
func HTTPHandler(pool *pgxpool.Pool) http.HandlerFunc {
	var p Pinger
	if pool != nil {
		p = pool
	}
	return handler(p)
}

func handler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: p != nil}
		code := http.StatusOK

		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				st = Status{OK: false, Message: "db unreachable"}
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
