package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/bringyour/livesync/livequery"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Live query sync control.

Params and claims are <name>=<value>. A value that parses as json is sent as json,
otherwise as a string.

Usage:
    syncctl watch --url=<url> --query=<query>
        [--kind=<kind>]
        [--param=<param>...]
        [--auth_token=<auth_token>]
    syncctl call --url=<url> --operation=<operation>
        [--param=<param>...]
        [--auth_token=<auth_token>]
    syncctl token --secret=<secret> [--claim=<claim>...] [--ttl=<ttl>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --url=<url>                  Sync server url, e.g. ws://localhost/sync
    --query=<query>              Catalog query name.
    --kind=<kind>                collection or value [default: collection].
    --param=<param>              Query or operation param.
    --operation=<operation>      Operation name.
    --auth_token=<auth_token>    Auth token. Use - to enter it at a prompt.
    --secret=<secret>            HS256 secret.
    --claim=<claim>              Token claim.
    --ttl=<ttl>                  Token lifetime [default: 24h].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if call_, _ := opts.Bool("call"); call_ {
		call(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	url, _ := opts.String("--url")
	queryName, _ := opts.String("--query")
	kindName, _ := opts.String("--kind")
	kind := livequery.QueryKind(kindName)
	if !kind.Valid() {
		Err.Fatalf("Unknown kind %s.", kindName)
	}
	params, err := parseAssignments(opts["--param"])
	if err != nil {
		Err.Fatal(err)
	}

	client := livequery.NewClientWithDefaults(ctx, url)
	defer client.Close()
	authenticateClient(ctx, client, opts)

	client.AddReadyCallback(func(sessionId livequery.Id) {
		Err.Printf("session %s\n", sessionId)
	})

	client.RegisterField(queryName, &livequery.FieldSpec{
		Kind:     kind,
		Query:    queryName,
		Params:   params,
		Listener: &printListener{},
	})

	select {
	case <-ctx.Done():
	}
}

func call(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	url, _ := opts.String("--url")
	operation, _ := opts.String("--operation")
	params, err := parseAssignments(opts["--param"])
	if err != nil {
		Err.Fatal(err)
	}

	client := livequery.NewClientWithDefaults(ctx, url)
	defer client.Close()

	ready := make(chan struct{})
	var readyOnce sync.Once
	setReady := func() {
		readyOnce.Do(func() {
			close(ready)
		})
	}
	client.AddReadyCallback(func(sessionId livequery.Id) {
		setReady()
	})
	authenticateClient(ctx, client, opts)
	// the first open may have finished before the callback was added
	if _, ok := client.SessionId(); ok {
		setReady()
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, 15*time.Second)
	defer readyCancel()
	select {
	case <-readyCtx.Done():
		Err.Fatalf("Could not connect to %s.", url)
	case <-ready:
	}

	data, err := client.Call(ctx, operation, params)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("%s\n", data)
}

// sets the token before the first open so the handshake authenticates with it
func authenticateClient(ctx context.Context, client *livequery.Client, opts docopt.Opts) {
	authToken, err := opts.String("--auth_token")
	if err != nil || authToken == "" {
		return
	}
	if authToken == "-" {
		fmt.Fprint(os.Stderr, "Enter auth token: ")
		authTokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		fmt.Fprint(os.Stderr, "\n")
		authToken = strings.TrimSpace(string(authTokenBytes))
	}
	// not connected yet is expected. The token is kept for every open.
	if _, err := client.Authenticate(ctx, authToken); err != nil && !errors.Is(err, livequery.ErrNotConnected) {
		Err.Printf("auth error = %s\n", err)
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	claims, err := parseAssignments(opts["--claim"])
	if err != nil {
		Err.Fatal(err)
	}
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		Err.Fatal(err)
	}

	now := time.Now()
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = now.Unix()
	}
	if _, ok := claims["exp"]; !ok && 0 < ttl {
		claims["exp"] = now.Add(ttl).Unix()
	}

	authToken, err := livequery.NewJwt([]byte(secret), claims)
	if err != nil {
		Err.Fatal(err)
	}

	// echo the claims the server will see
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(authToken, gojwt.MapClaims{})
	if err != nil {
		Err.Fatal(err)
	}
	claimsJson, _ := json.Marshal(parsedToken.Claims)
	Err.Printf("claims: %s\n", claimsJson)

	Out.Printf("%s\n", authToken)
}

// parses `name=value` pairs. Values that are valid json keep their json type.
func parseAssignments(assignmentsAny any) (map[string]any, error) {
	values := map[string]any{}
	assignments, _ := assignmentsAny.([]string)
	for _, assignment := range assignments {
		name, valueStr, found := strings.Cut(assignment, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("Expected <name>=<value> but got %s.", assignment)
		}
		var value any
		if err := json.Unmarshal([]byte(valueStr), &value); err == nil {
			values[name] = value
		} else {
			values[name] = valueStr
		}
	}
	return values, nil
}

// prints the whole mirror after each change
type printListener struct {
	livequery.BaseQueryListener
}

func (self *printListener) print(query *livequery.RegisteredQuery) {
	var mirror any
	if query.Kind == livequery.QueryKindValue {
		mirror = query.Value()
	} else {
		mirror = query.Entries()
	}
	mirrorJson, err := json.MarshalIndent(mirror, "", "  ")
	if err != nil {
		Err.Printf("%s\n", err)
		return
	}
	Out.Printf("%s (%s)\n%s\n", query.Field, query.State(), mirrorJson)
}

func (self *printListener) StateChanged(query *livequery.RegisteredQuery, state livequery.QueryState) {
	self.print(query)
}

func (self *printListener) ValueChanged(query *livequery.RegisteredQuery, value livequery.Record) {
	self.print(query)
}

func (self *printListener) EntryAdded(query *livequery.RegisteredQuery, entry livequery.Record, offset int) {
	self.print(query)
}

func (self *printListener) EntryUpdated(query *livequery.RegisteredQuery, entry livequery.Record, offset int) {
	self.print(query)
}

func (self *printListener) EntryDeleted(query *livequery.RegisteredQuery, entry livequery.Record, offset int) {
	self.print(query)
}

func (self *printListener) Error(query *livequery.RegisteredQuery, err error) {
	Err.Printf("%s error = %s\n", query.Field, err)
}
