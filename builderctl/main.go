package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/pagecrest/builder"
)

const BuilderCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Builder control.

The default urls are:
    api_url: https://api.pagecrest.com
    sync_url: wss://sync.pagecrest.com

Usage:
    builderctl whoami [--jwt=<jwt>]
    builderctl files [--api_url=<api_url>] [--jwt=<jwt>]
        --workspace=<workspace_id>
    builderctl preview [--api_url=<api_url>] [--jwt=<jwt>]
        --workspace=<workspace_id>
        [--route=<route>]
    builderctl types [--api_url=<api_url>] [--jwt=<jwt>]
        [--category=<category>]
    builderctl watch [--api_url=<api_url>] [--sync_url=<sync_url>] [--jwt=<jwt>]
        --workspace=<workspace_id>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --sync_url=<sync_url>
    --jwt=<jwt>                Your platform JWT. Prompted for if omitted.
    --workspace=<workspace_id>
    --route=<route>            Page route to preview.
    --category=<category>      Component type category filter.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BuilderCtlVersion)
	if err != nil {
		panic(err)
	}

	if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if files_, _ := opts.Bool("files"); files_ {
		files(opts)
	} else if preview_, _ := opts.Bool("preview"); preview_ {
		preview(opts)
	} else if types_, _ := opts.Bool("types"); types_ {
		listTypes(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return "https://api.pagecrest.com"
}

func syncUrl(opts docopt.Opts) string {
	if syncUrl, err := opts.String("--sync_url"); err == nil && syncUrl != "" {
		return syncUrl
	}
	return "wss://sync.pagecrest.com"
}

func jwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	// do not echo the credential
	fmt.Fprint(os.Stderr, "jwt: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		panic(err)
	}
	return strings.TrimSpace(string(jwtBytes))
}

func workspaceId(opts docopt.Opts) builder.Id {
	workspaceIdStr, err := opts.String("--workspace")
	if err != nil {
		panic(err)
	}
	workspaceId, err := builder.ParseId(workspaceIdStr)
	if err != nil {
		panic(err)
	}
	return workspaceId
}

func newEngine(ctx context.Context, opts docopt.Opts) *builder.Engine {
	return builder.NewEngineWithDefaults(
		ctx,
		apiUrl(opts),
		syncUrl(opts),
		jwt(opts),
		builder.NewMemoryStorage(),
	)
}

func whoami(opts docopt.Opts) {
	byJwt, err := builder.ParseByJwtUnverified(jwt(opts))
	if err != nil {
		panic(err)
	}
	Out.Printf("user_id: %s", byJwt.UserId)
	Out.Printf("account_name: %s", byJwt.AccountName)
	Out.Printf("workspace_id: %s", byJwt.WorkspaceId)
	Out.Printf("client_id: %s", byJwt.ClientId)
}

func files(opts docopt.Opts) {
	ctx := context.Background()
	engine := newEngine(ctx, opts)
	defer engine.Close()

	fileSet, err := engine.GetFiles(ctx, workspaceId(opts))
	if err != nil {
		panic(err)
	}
	for _, file := range fileSet.Files {
		Out.Printf("%s %s %db %s", file.Id, file.FileName, file.SizeBytes, file.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func preview(opts docopt.Opts) {
	ctx := context.Background()
	engine := newEngine(ctx, opts)
	defer engine.Close()

	route, _ := opts.String("--route")
	document, err := engine.GeneratePreview(ctx, workspaceId(opts), route)
	if err != nil {
		panic(err)
	}
	if document.Degraded {
		Err.Printf("degraded: composed locally from the cached snapshot")
	}
	Out.Printf("%s", document.Html)
}

func listTypes(opts docopt.Opts) {
	ctx := context.Background()
	engine := newEngine(ctx, opts)
	defer engine.Close()

	var componentTypes []*builder.ComponentType
	var err error
	if category, categoryErr := opts.String("--category"); categoryErr == nil && category != "" {
		componentTypes, err = engine.ListTypesByCategory(ctx, category)
	} else {
		componentTypes, err = engine.RefreshAllTypes(ctx)
	}
	if err != nil {
		panic(err)
	}
	for _, componentType := range componentTypes {
		Out.Printf("%s %s category=%s priority=%d", componentType.Id, componentType.Name, componentType.Category, componentType.LoadingPriority)
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newEngine(ctx, opts)
	defer engine.Close()

	channel := engine.OpenWorkspace(workspaceId(opts))
	unsub := channel.AddMessageCallback(func(message *builder.SyncMessage) {
		Out.Printf("%s", message)
	})
	defer unsub()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}
}
