// Command token_gen prints an operator token for local use.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/technosupport/vms-alerts/internal/tokens"
)

func main() {
	operator := flag.String("operator", "dev-operator", "operator id (sub claim)")
	role := flag.String("role", string(tokens.RoleAdmin), "viewer | operator | admin")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		log.Fatal("JWT_SIGNING_KEY is not set")
	}

	token, err := tokens.NewManager(key, *ttl).Generate(*operator, tokens.Role(*role))
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
