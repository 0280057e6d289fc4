package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/rtc/signalling"
)

var (
	TokenCommands = []*cli.Command{
		{
			Name:   "create-token",
			Usage:  "create token for joining rooms or the room API",
			Action: createToken,
			Flags: []cli.Flag{
				apiKeyFlag,
				secretFlag,
				&cli.BoolFlag{
					Name:  "join",
					Usage: "enable token to be used to join a room",
				},
				&cli.BoolFlag{
					Name:  "admin",
					Usage: "enable token to be used to list rooms and manage room metadata",
				},
				&cli.StringFlag{
					Name:    "participant",
					Aliases: []string{"p"},
					Usage:   "unique id of the participant, used with --join",
				},
				&cli.StringFlag{
					Name:    "room",
					Aliases: []string{"r"},
					Usage:   "name of the room to join, empty to allow joining all rooms",
				},
				&cli.StringFlag{
					Name:  "role",
					Usage: "therapist, child or guest",
					Value: string(signalling.RoleGuest),
				},
			},
		},
	}
)

func createToken(c *cli.Context) error {
	p := c.String("participant") // required only for join

	grant := &auth.CallGrant{}
	if c.Bool("admin") {
		grant.RoomList = true
		grant.RoomAdmin = true
	}
	if c.Bool("join") {
		grant.RoomJoin = true
		grant.Room = c.String("room")

		role := signalling.Role(c.String("role"))
		if !role.IsValid() {
			return fmt.Errorf("unknown role %q", role)
		}
		grant.Role = string(role)

		if p == "" {
			return fmt.Errorf("participant id is required")
		}
	}

	if !grant.RoomJoin && !grant.RoomAdmin {
		return fmt.Errorf("one of --join or --admin is required")
	}

	token, err := accessToken(c, grant, p)
	if err != nil {
		return err
	}

	fmt.Println("access token: ", token)
	return nil
}
