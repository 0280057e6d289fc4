package commands

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/config"
)

var (
	roomFlag = &cli.StringFlag{
		Name:     "room",
		Required: true,
	}
	roomHostFlag = &cli.StringFlag{
		Name:  "host",
		Value: "http://localhost:7880",
	}
	rtcHostFlag = &cli.StringFlag{
		Name:  "host",
		Value: "ws://localhost:7880",
	}
	apiKeyFlag = &cli.StringFlag{
		Name:    "api-key",
		EnvVars: []string{"PARLO_API_KEY"},
		Value:   config.DevAPIKey,
	}
	secretFlag = &cli.StringFlag{
		Name:    "api-secret",
		EnvVars: []string{"PARLO_API_SECRET"},
		Value:   config.DevAPISecret,
	}
)

func accessToken(c *cli.Context, grant *auth.CallGrant, identity string) (string, error) {
	apiKey := c.String("api-key")
	apiSecret := c.String("api-secret")
	if apiKey == "" || apiSecret == "" {
		return "", fmt.Errorf("api-key and api-secret are required")
	}
	return auth.NewAccessToken(apiKey, apiSecret).
		AddGrant(grant).
		SetIdentity(identity).
		ToJWT()
}

func PrintJSON(obj interface{}) {
	txt, _ := json.MarshalIndent(obj, "", "  ")
	fmt.Println(string(txt))
}
