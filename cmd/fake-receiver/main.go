// fake-receiver is a stand-in merchant endpoint for local development. It
// verifies the outbound signature, optionally fails the first N requests to
// exercise the retry schedule, and otherwise answers 200.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bridgekit/walletbridge/internal/config"
)

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook(cfg))

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

func handleHook(cfg config.Config) http.HandlerFunc {
	leeway := time.Duration(cfg.FakeReceiver.SigningLeewaySeconds) * time.Second
	return func(w http.ResponseWriter, r *http.Request) {
		n := reqCount.Add(1)
		b, _ := io.ReadAll(r.Body)
		defer r.Body.Close()

		if secret := cfg.FakeReceiver.EndpointSecret; secret != "" {
			ts := r.Header.Get(cfg.Webhooks.TimestampHeader)
			sig := r.Header.Get(cfg.Webhooks.SignatureHeader)
			if ok, msg := verifySignature(secret, b, ts, sig, leeway); !ok {
				log.Printf("fake-receiver rejected signature: %s", msg)
				http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
				return
			}
		}

		// first N requests fail so the worker's retry path gets exercised
		if n <= int64(cfg.FakeReceiver.FailFirstN) {
			log.Printf("FAILING (%d/%d) %s body=%s", n, cfg.FakeReceiver.FailFirstN, r.URL.Path, truncate(string(b), 160))
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}

		log.Printf("fake-receiver OK %s body=%q", r.URL.Path, truncate(string(b), 160))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}
}

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	now := time.Now().Unix()
	if abs64(now-unix) > int64(leeway.Seconds()) {
		return false, "timestamp outside leeway"
	}
	got := strings.TrimPrefix(sigHeaderVal, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
