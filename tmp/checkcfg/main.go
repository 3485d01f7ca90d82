package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
	"forgeline/internal/server"
)

func main() {
	workspace := "/tmp/forgeline-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("forgeline")
	e := engine.New(conn, cfg)
	now := time.Now().UTC().Format(time.RFC3339)
	_ = e.Repo.InsertUser(context.Background(), nil, domain.User{
		ID: "tester", Handle: "tester", Tier: "limited", CreatedAt: now, UpdatedAt: now,
	})
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	claims := jwt.RegisteredClaims{
		Subject:   "tester",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		panic(err)
	}

	body := map[string]any{
		"title":       "Pixel doodle pad",
		"description": "Tiny canvas with a color picker",
		"category":    "creative",
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/requests", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	var created map[string]any
	_ = json.NewDecoder(res.Body).Decode(&created)
	res.Body.Close()
	fmt.Printf("submit status=%d id=%v\n", res.StatusCode, created["id"])

	id, _ := created["id"].(string)
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v0/requests/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	var fetched map[string]any
	_ = json.NewDecoder(res.Body).Decode(&fetched)
	res.Body.Close()
	fmt.Printf("fetch status=%d request_status=%v\n", res.StatusCode, fetched["status"])
}
