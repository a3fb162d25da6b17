// Команда admin-token выпускает JWT с ролью admin для /api/v1/admin.
//
//	CONFIG_PATH=./config/local.yaml go run ./cmd/admin-token -id 1 -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/magabrotheeeer/blackbook-billing/internal/config"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/jwt"
)

func main() {
	id := flag.Int64("id", 1, "telegram id оператора")
	ttl := flag.Duration("ttl", 0, "срок жизни токена, по умолчанию jwttoken.token_ttl")
	flag.Parse()

	cfg := config.MustLoad()
	if cfg.JWTSecretKey == "" {
		fmt.Fprintln(os.Stderr, "jwttoken.jwt_secret_key is not set")
		os.Exit(1)
	}
	if *id <= 0 {
		fmt.Fprintln(os.Stderr, "id must be positive")
		os.Exit(1)
	}

	tokenTTL := cfg.TokenTTL
	if *ttl > 0 {
		tokenTTL = *ttl
	}
	token, err := jwt.NewJWTMaker(cfg.JWTSecretKey, tokenTTL).GenerateToken(*id, jwt.RoleAdmin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", time.Now().Add(tokenTTL).UTC().Format(time.RFC3339))
}
