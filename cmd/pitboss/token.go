package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lox/pitboss/internal/server"
)

// TokenCmd issues a participant token so websocket clients can be tried out
// against a server with a JWT secret.
type TokenCmd struct {
	Participant string        `arg:"" help:"Participant id to put in the token"`
	Secret      string        `env:"PITBOSS_JWT_SECRET" required:"" help:"HS256 signing secret"`
	TTL         time.Duration `default:"24h" help:"Token lifetime"`
}

func (c *TokenCmd) Run() error {
	token, err := server.NewAuthenticator(c.Secret).Issue(c.Participant, c.TTL)
	if err != nil {
		return err
	}
	log.NewWithOptions(os.Stderr, log.Options{}).Info("Issued token",
		"participant", c.Participant,
		"expires", time.Now().Add(c.TTL).Format(time.RFC3339))
	fmt.Println(token)
	return nil
}
