package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/studyhall/relay/relay"
)

const RelayCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Relay control.

Usage:
    relayctl serve --config=<config>
    relayctl tail <url> --feed=<feed>
        [--token=<token>]
        [--since=<since>]
        [--one-shot]
    relayctl token --user=<user> --role=<role>
        [--relation=<relation>...]
        [--key=<key>]
        [--expire_hours=<expire_hours>]
    relayctl revoke --principal=<principal> --redis=<redis>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          Yaml config path.
    --feed=<feed>              Feed id.
    --token=<token>            Viewer token. Prompted when not given.
    --since=<since>            Resume after this sequence.
    --one-shot                 Drain the feed and exit.
    --user=<user>              Principal id.
    --role=<role>              student | teacher | admin.
    --relation=<relation>      kind:target_id, repeatable.
    --key=<key>                HS256 key. Prompted when not given.
    --expire_hours=<expire_hours>  Token lifetime [default: 24].
    --principal=<principal>    Principal id to revoke.
    --redis=<redis>            Redis address.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if revoke_, _ := opts.Bool("revoke"); revoke_ {
		revoke(opts)
	}
}

func serve(opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	config, err := relay.LoadConfig(configPath)
	if err != nil {
		Err.Fatalf("Could not load config: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cursors relay.CursorStore
	if config.CursorDb != "" {
		sqliteCursors, err := relay.NewSqliteCursorStore(config.CursorDb)
		if err != nil {
			Err.Fatalf("Could not open cursor db: %s", err)
		}
		defer sqliteCursors.Close()
		cursors = sqliteCursors
	} else {
		cursors = relay.NewMemoryCursorStore()
	}

	var revocations relay.RevocationSignal
	if config.Redis.Addr != "" {
		redisRevocations := relay.NewRedisRevocationWithDefaults(
			ctx,
			config.Redis.Addr,
			config.Redis.Password,
			config.Redis.Db,
		)
		defer redisRevocations.Close()
		revocations = redisRevocations
	} else {
		revocations = relay.NewMemoryRevocation()
	}

	source := relay.NewMemorySourceWithDefaults()
	lookup := relay.NewMemoryLookup()

	settings := relay.DefaultFeedServerSettings()
	settings.ProxySettings = config.ProxySettings()

	server := relay.NewFeedServer(
		relay.NewJwtPrincipalResolver([]byte(config.JwtKey)),
		source,
		lookup,
		relay.DefaultPolicy(),
		cursors,
		revocations,
		settings,
	)
	server.EnableIngest(source, lookup)

	Out.Printf("relay listening on %s", config.ListenAddr)
	if err := http.ListenAndServe(config.ListenAddr, server.Router()); err != nil {
		Err.Fatalf("Serve ended: %s", err)
	}
}

func tail(opts docopt.Opts) {
	baseUrl, _ := opts.String("<url>")
	feedId, _ := opts.String("--feed")

	tokenStr, err := opts.String("--token")
	if err != nil || tokenStr == "" {
		tokenStr = promptSecret("token")
	}

	feedUrl, err := url.Parse(baseUrl)
	if err != nil {
		Err.Fatalf("Bad url: %s", err)
	}
	switch feedUrl.Scheme {
	case "http":
		feedUrl.Scheme = "ws"
	case "https":
		feedUrl.Scheme = "wss"
	}
	feedUrl.Path = fmt.Sprintf("/v1/feed/%s", feedId)

	query := feedUrl.Query()
	if oneShot, _ := opts.Bool("--one-shot"); oneShot {
		query.Set("mode", string(relay.FeedModeOneShot))
	}
	if sinceStr, err := opts.String("--since"); err == nil && sinceStr != "" {
		if _, err := strconv.ParseUint(sinceStr, 10, 64); err != nil {
			Err.Fatalf("Bad since: %s", sinceStr)
		}
		query.Set("since", sinceStr)
	}
	feedUrl.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", tokenStr))

	conn, _, err := websocket.DefaultDialer.Dial(feedUrl.String(), header)
	if err != nil {
		Err.Fatalf("Could not dial feed: %s", err)
	}
	defer conn.Close()

	for {
		var message relay.FeedMessage
		if err := conn.ReadJSON(&message); err != nil {
			Err.Fatalf("Feed closed: %s", err)
		}
		switch {
		case message.Resume:
			Out.Printf("resume after seq=%d", *message.LastSeq)
		case message.IsEndOfFeed():
			Out.Printf("end of feed, next cursor seq=%d", *message.LastSeq)
			return
		case message.IsHeartbeat():
			// keepalive, nothing to show
		default:
			record := message.Record()
			if record.Deleted {
				Out.Printf("seq=%d id=%s rev=%s deleted", record.Sequence, record.DocumentId, record.Revision)
			} else {
				Out.Printf("seq=%d id=%s rev=%s", record.Sequence, record.DocumentId, record.Revision)
			}
		}
	}
}

func token(opts docopt.Opts) {
	userId, _ := opts.String("--user")
	roleStr, _ := opts.String("--role")
	role, ok := relay.ParseRole(roleStr)
	if !ok {
		Err.Fatalf("Unknown role: %s", roleStr)
	}

	relations := []relay.Relation{}
	if relationStrs, ok := opts["--relation"].([]string); ok {
		for _, relationStr := range relationStrs {
			kindStr, targetId, ok := strings.Cut(relationStr, ":")
			if !ok {
				Err.Fatalf("Bad relation: %s", relationStr)
			}
			relations = append(relations, relay.Relation{
				Kind:     relay.RelationKind(kindStr),
				TargetId: targetId,
			})
		}
	}

	keyStr, err := opts.String("--key")
	if err != nil || keyStr == "" {
		keyStr = promptSecret("key")
	}

	expireHours, err := opts.Int("--expire_hours")
	if err != nil {
		expireHours = 24
	}

	principal := &relay.Principal{
		Id:        userId,
		Role:      role,
		Relations: relations,
	}
	tokenStr, err := relay.SignPrincipalJwt(principal, []byte(keyStr), time.Duration(expireHours)*time.Hour)
	if err != nil {
		Err.Fatalf("Could not sign token: %s", err)
	}
	Out.Printf("%s", tokenStr)
}

func revoke(opts docopt.Opts) {
	principalId, _ := opts.String("--principal")
	redisAddr, _ := opts.String("--redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	revocations := relay.NewRedisRevocationWithDefaults(ctx, redisAddr, "", 0)
	defer revocations.Close()

	if err := revocations.Revoke(ctx, principalId); err != nil {
		Err.Fatalf("Could not revoke: %s", err)
	}
	Out.Printf("revoked %s", principalId)
}

func promptSecret(name string) string {
	fmt.Fprintf(os.Stderr, "%s: ", name)
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		Err.Fatalf("Could not read %s: %s", name, err)
	}
	return string(secretBytes)
}
