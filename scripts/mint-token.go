package main

import (
	"fmt"
	"os"
	"time"

	"github.com/streamparty/watchparty-server/internal/middleware"
	"github.com/streamparty/watchparty-server/internal/model"
)

// Signs a development identity token with AUTH_JWT_SECRET.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: AUTH_JWT_SECRET=... go run scripts/mint-token.go <user-id> [display-name]\n")
		os.Exit(1)
	}

	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Error: AUTH_JWT_SECRET is not set\n")
		os.Exit(1)
	}

	identity := model.Identity{UserID: os.Args[1]}
	if len(os.Args) > 2 {
		identity.DisplayName = os.Args[2]
	}

	token, err := middleware.SignToken(secret, identity, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
