package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/colabd/schemasync/collab"
	"github.com/colabd/schemasync/collab/relay"
)

const DefaultApiUrl = "http://localhost:8080"
const DefaultConnectUrl = "ws://localhost:8080/ws"

const CollabCtlVersion = "0.0.1"

func main() {
	usage := fmt.Sprintf(
		`Schema collaboration control.

The default urls are:
    api_url: %s
    connect_url: %s

The relay reads the jwt secret from %s when --secret is not given.

Usage:
    collabctl relay [--port=<port>] [--secret=<secret>]
    collabctl token --user_id=<user_id> [--name=<name>] [--secret=<secret>]
        [--ttl=<ttl>]
    collabctl join --schema_id=<schema_id> [--jwt=<jwt>]
        [--api_url=<api_url>]
        [--connect_url=<connect_url>]
    collabctl load --schema_id=<schema_id> [--jwt=<jwt>]
        [--api_url=<api_url>]
    collabctl versions --schema_id=<schema_id> [--jwt=<jwt>]
        [--api_url=<api_url>]

Options:
    -h --help                   Show this screen.
    --version                   Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --schema_id=<schema_id>
    --jwt=<jwt>                 Your collaboration JWT.
    --user_id=<user_id>
    --name=<name>               Display name [default: ].
    --secret=<secret>           HS256 jwt secret.
    --ttl=<ttl>                 Token lifetime, 0 for no expiry [default: 24h].
    -p --port=<port>            Listen port [default: 8080].`,
		DefaultApiUrl,
		DefaultConnectUrl,
		relay.JwtSecretEnvVar,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if load_, _ := opts.Bool("load"); load_ {
		load(opts)
	} else if versions_, _ := opts.Bool("versions"); versions_ {
		versions(opts)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func secret(opts docopt.Opts) []byte {
	if secretAny := opts["--secret"]; secretAny != nil {
		return []byte(secretAny.(string))
	}
	return []byte(os.Getenv(relay.JwtSecretEnvVar))
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if valueAny := opts[key]; valueAny != nil {
		return valueAny.(string)
	}
	return defaultValue
}

func authToken(opts docopt.Opts) string {
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		return jwtAny.(string)
	}
	fmt.Print("Enter jwt: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(jwtBytes)
}

func runRelay(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	ctx, cancel := signalContext()
	defer cancel()

	settings := relay.DefaultServerSettings()
	settings.Addr = fmt.Sprintf(":%d", port)
	settings.JwtSecret = secret(opts)

	server, err := relay.NewServer(ctx, settings)
	if err != nil {
		panic(err)
	}
	defer server.Close()

	fmt.Printf("Relay %s on *:%d\n", CollabCtlVersion, port)
	if err := server.Serve(ctx); err != nil {
		fmt.Printf("relay error: %s\n", err)
		os.Exit(1)
	}
}

func token(opts docopt.Opts) {
	userId, _ := opts.String("--user_id")
	name, _ := opts.String("--name")
	ttlStr, _ := opts.String("--ttl")

	var ttl time.Duration
	if ttlStr != "0" {
		var err error
		ttl, err = time.ParseDuration(ttlStr)
		if err != nil {
			panic(err)
		}
	}

	authToken, err := collab.NewAuthToken(secret(opts), userId, name, ttl)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", authToken)
}

// joins the schema and prints remote changes, cursors and locks until interrupted
func join(opts docopt.Opts) {
	schemaId, _ := opts.String("--schema_id")
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	connectUrl := optString(opts, "--connect_url", DefaultConnectUrl)
	jwt := authToken(opts)

	ctx, cancel := signalContext()
	defer cancel()

	loop := collab.NewLoop(ctx)
	defer loop.Close()

	transport := collab.NewWsTransportWithDefaults(ctx, loop, connectUrl)
	defer transport.Close()
	transport.AddConnectionStateCallback(func(state collab.ConnectionState, err error) {
		if err != nil {
			fmt.Printf("connection: %s (%s)\n", state, err)
		} else {
			fmt.Printf("connection: %s\n", state)
		}
		if state == collab.Disconnected && err != nil {
			cancel()
		}
	})

	api := collab.NewSchemaApiClientWithContext(ctx, apiUrl)
	defer api.Close()
	api.SetAuthToken(jwt)

	session := collab.NewSessionWithDefaults(ctx, loop, transport, api, jwt)
	defer session.Shutdown()

	session.Store().AddChangeCallback(func(change *collab.GraphChange) {
		fmt.Printf("%s %s\n", change.Op, change.ElementId())
		for _, relationshipId := range change.CascadedRelationshipIds {
			fmt.Printf("  cascade delete %s\n", relationshipId)
		}
	})

	var loadErr *collab.LoadError
	if err := session.Open(schemaId); errors.As(err, &loadErr) {
		fmt.Printf("%s\n", loadErr)
	} else if err != nil {
		panic(err)
	}

	session.Locks().AddStateCallback(func(elementId string, status collab.LockStatus, info *collab.LockInfo) {
		if info != nil {
			fmt.Printf("lock %s %s by %s until %s\n", elementId, status, info.UserId, info.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Printf("lock %s %s\n", elementId, status)
		}
	})
	session.Cursors().AddCursorsCallback(func(cursors map[string]*collab.CursorPosition) {
		for key, cursor := range cursors {
			fmt.Printf("cursor %s %s (%.0f, %.0f)\n", key, cursor.UserName, cursor.X, cursor.Y)
		}
	})

	fmt.Printf("joined %s as %s (%d elements)\n", schemaId, transport.UserId(), session.Store().ElementCount())

	<-ctx.Done()
}

// loads the schema and its collaborators and prints the parsed tables and relationships
func load(opts docopt.Opts) {
	schemaId, _ := opts.String("--schema_id")
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	jwt := authToken(opts)

	api := collab.NewSchemaApiClient(apiUrl)
	defer api.Close()
	api.SetAuthToken(jwt)

	// both requests run in parallel
	loadCallback, loadResult := collab.NewBlockingApiCallback[*collab.LoadSchemaResult]()
	api.LoadSchema(schemaId, loadCallback)
	collaboratorsCallback, collaboratorsResult := collab.NewBlockingApiCallback[*collab.GetCollaboratorsResult]()
	api.GetCollaborators(schemaId, collaboratorsCallback)

	loaded := <-loadResult
	if loaded.Error != nil {
		panic(loaded.Error)
	}
	result := loaded.Result
	wireGraph, decodeErr := result.WireGraph()
	graph, parseErr := collab.Parse(wireGraph)
	if err := errors.Join(decodeErr, parseErr); err != nil {
		fmt.Printf("%s\n", err)
	}

	for _, table := range graph.Tables {
		fmt.Printf("%s %s\n", table.Id, table.Name)
		for _, column := range table.Columns {
			flags := ""
			if column.IsPrimaryKey {
				flags += " pk"
			}
			if column.IsForeignKey {
				flags += " fk"
			}
			if column.IsNotNull {
				flags += " not null"
			}
			if 0 < column.Length {
				fmt.Printf("    %s %s(%d)%s\n", column.Name, column.Type, column.Length, flags)
			} else {
				fmt.Printf("    %s %s%s\n", column.Name, column.Type, flags)
			}
		}
	}
	for _, relationship := range graph.Relationships {
		fmt.Printf("%s %s -> %s (%s)\n", relationship.Id, relationship.SourceTableId, relationship.TargetTableId, relationship.Type)
	}

	if collaborators := <-collaboratorsResult; collaborators.Error != nil {
		fmt.Printf("collaborators: %s\n", collaborators.Error)
	} else {
		for _, collaborator := range collaborators.Result.Collaborators {
			online := ""
			if collaborator.Online {
				online = " online"
			}
			fmt.Printf("collaborator %s %s (%s)%s\n", collaborator.UserId, collaborator.Name, collaborator.Permission, online)
		}
	}
}

// prints the saved versions of the schema, newest first
func versions(opts docopt.Opts) {
	schemaId, _ := opts.String("--schema_id")
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	jwt := authToken(opts)

	api := collab.NewSchemaApiClient(apiUrl)
	defer api.Close()
	api.SetAuthToken(jwt)

	result, err := api.ListVersionsSync(schemaId)
	if err != nil {
		panic(err)
	}
	for _, version := range result.Versions {
		current := ""
		if version.IsCurrent {
			current = " current"
		}
		fmt.Printf("%s %s by %s%s %s\n", version.Id, version.CreatedAt, version.Author, current, version.Comment)
	}
}
