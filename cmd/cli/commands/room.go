package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/parlo-health/parlo-call/pkg/auth"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/pkg/rooms"
	"github.com/parlo-health/parlo-call/pkg/service"
)

var (
	RoomCommands = []*cli.Command{
		{
			Name:   "list-rooms",
			Usage:  "list active rooms",
			Before: createClient,
			Action: listRooms,
			Flags: []cli.Flag{
				roomHostFlag,
				apiKeyFlag,
				secretFlag,
			},
		},
		{
			Name:   "get-room",
			Usage:  "show a room and its participants",
			Before: createClient,
			Action: getRoom,
			Flags: []cli.Flag{
				roomFlag,
				roomHostFlag,
				apiKeyFlag,
				secretFlag,
			},
		},
		{
			Name:   "store-room",
			Usage:  "register metadata for a room ahead of its first join",
			Before: createClient,
			Action: storeRoom,
			Flags: []cli.Flag{
				roomFlag,
				roomHostFlag,
				&cli.StringFlag{
					Name:  "name",
					Usage: "display name of the room",
				},
				&cli.IntFlag{
					Name:  "max-participants",
					Usage: "capacity of the room, server default when 0",
				},
				apiKeyFlag,
				secretFlag,
			},
		},
		{
			Name:   "delete-room",
			Usage:  "remove stored metadata for a room",
			Before: createClient,
			Action: deleteRoom,
			Flags: []cli.Flag{
				roomFlag,
				roomHostFlag,
				apiKeyFlag,
				secretFlag,
			},
		},
	}

	roomClient *RoomClient
)

// RoomClient calls the server's JSON room API.
type RoomClient struct {
	host  string
	token string
	http  *http.Client
}

func createClient(c *cli.Context) error {
	token, err := accessToken(c, &auth.CallGrant{RoomList: true, RoomAdmin: true}, "parlo-cli")
	if err != nil {
		return err
	}
	roomClient = &RoomClient{
		host:  strings.TrimSuffix(c.String("host"), "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
	return nil
}

func (rc *RoomClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rc.host+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+rc.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.Debugw("calling room api", "method", method, "path", path)
	res, err := rc.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return errors.Errorf("%s %s: %s %s", method, path, res.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func listRooms(c *cli.Context) error {
	var list []rooms.RoomInfo
	if err := roomClient.do(c.Context, http.MethodGet, "/rooms", nil, &list); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"ID", "Name", "Participants", "Created"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
	})
	for _, r := range list {
		table.Append([]string{
			r.ID,
			r.Name,
			fmt.Sprintf("%d / %d", r.NumParticipants, r.MaxParticipants),
			humanize.Time(r.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func getRoom(c *cli.Context) error {
	room := &service.RoomDetails{}
	if err := roomClient.do(c.Context, http.MethodGet, "/rooms/"+c.String("room"), nil, room); err != nil {
		return err
	}

	fmt.Printf("%s (%s), created %s\n", room.ID, room.Name, humanize.Time(room.CreatedAt))
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"ID", "Name", "Role", "State", "Muted", "Video Off", "Joined"})
	for _, p := range room.Participants {
		table.Append([]string{
			p.ID,
			p.Name,
			string(p.Role),
			string(p.State),
			strconv.FormatBool(p.Muted),
			strconv.FormatBool(p.VideoOff),
			humanize.Time(time.UnixMilli(p.JoinedAt)),
		})
	}
	table.Render()
	return nil
}

func storeRoom(c *cli.Context) error {
	meta := &service.RoomMetadata{
		DisplayName:     c.String("name"),
		MaxParticipants: c.Int("max-participants"),
	}
	if err := roomClient.do(c.Context, http.MethodPut, "/rooms/"+c.String("room"), meta, meta); err != nil {
		return err
	}

	PrintJSON(meta)
	return nil
}

func deleteRoom(c *cli.Context) error {
	roomID := c.String("room")
	if err := roomClient.do(c.Context, http.MethodDelete, "/rooms/"+roomID, nil, nil); err != nil {
		return err
	}

	fmt.Println("deleted room", roomID)
	return nil
}
