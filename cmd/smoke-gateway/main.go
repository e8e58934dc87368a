package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"kalamche.app/gateway/internal/grpcapi"
)

func main() {
	log.SetFlags(0)
	base := os.Getenv("KALAMCHE_GATEWAY_URL")
	if base == "" {
		base = "http://127.0.0.1:7319"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	expect(client, base+"/healthz", http.StatusOK, "")
	expect(client, base+"/readyz", http.StatusOK, "")
	expect(client, base+"/api/v1/user/me", http.StatusUnauthorized, "unauthenticated")
	expect(client, base+"/api/v1/auth/oauth?provider=smoke-test", http.StatusNotFound, "unknown_provider")

	if addr := os.Getenv("KALAMCHE_GATEWAY_GRPC_ADDR"); addr != "" {
		c, err := grpcapi.Dial(addr)
		if err != nil {
			log.Fatalf("dial gateway grpc at %s: %v", addr, err)
		}
		defer c.Close()
		ctx, cancel := grpcapi.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Check(ctx, grpcapi.ServiceName); err != nil {
			log.Fatalf("grpc health: %v", err)
		}
	}

	fmt.Printf("✅ gateway smoke test passed: %s\n", base)
}

func expect(client *http.Client, url string, status int, code string) {
	resp, err := client.Get(url)
	if err != nil {
		log.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != status {
		log.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, status)
	}
	if code == "" {
		return
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatalf("GET %s: decode: %v", url, err)
	}
	if body.Error != code {
		log.Fatalf("GET %s: error %q, want %q", url, body.Error, code)
	}
}
