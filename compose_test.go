package builder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

var navTypeId = RequireParseId("00000000-0000-0000-0000-00000000000a")
var textTypeId = RequireParseId("00000000-0000-0000-0000-00000000000b")
var confettiTypeId = RequireParseId("00000000-0000-0000-0000-00000000000c")

func composeCatalog() []*ComponentType {
	return []*ComponentType{
		{
			Id:              navTypeId,
			Name:            "nav bar",
			Category:        "navigation",
			HtmlTemplate:    `<nav class="{{componentClass}}">NAV</nav>`,
			LoadingPriority: 1,
		},
		{
			Id:       textTypeId,
			Name:     "text block",
			Category: "content",
			Parameters: map[string]*ParameterSchema{
				"text": {Type: "string", Required: true},
			},
			DefaultParameters: map[string]any{
				"text": "placeholder",
			},
			HtmlTemplate:    `<p>TEXT:{{text}}</p>`,
			LoadingPriority: 2,
		},
		{
			Id:              confettiTypeId,
			Name:            "confetti",
			Category:        "decorative",
			HtmlTemplate:    `<div>CONFETTI {{sparkle}}</div>`,
			LoadingPriority: 3,
		},
	}
}

func composeWorkspace(workspaceId Id) *WorkspaceFilesResult {
	homePageId := RequireParseId("00000000-0000-0000-0000-000000000010")
	aboutPageId := RequireParseId("00000000-0000-0000-0000-000000000011")
	return &WorkspaceFilesResult{
		WorkspaceId: workspaceId,
		Files: []*File{
			{
				Id:       RequireParseId("00000000-0000-0000-0000-000000000020"),
				FileName: "index.html",
				FileType: "html",
				Content: `<html><head><title>{{page.title}}</title>` +
					`<meta name="description" content="{{page.metaDescription}}">` +
					`{{global.css}}{{page.css}}</head>` +
					`<body><img src="{{asset:logo.png}}">{{components}}{{global.js}}{{page.js}}</body></html>`,
			},
			{
				Id:       RequireParseId("00000000-0000-0000-0000-000000000021"),
				FileName: "styles.css",
				FileType: "css",
				Content:  "body { margin: 0; }",
			},
			{
				Id:       RequireParseId("00000000-0000-0000-0000-000000000022"),
				FileName: "app.js",
				FileType: "js",
				Content:  "console.log('app');",
			},
		},
		Pages: []*Page{
			{
				Id:              homePageId,
				WorkspaceId:     workspaceId,
				Route:           "home",
				Title:           "Welcome",
				MetaDescription: "A welcoming page",
				CustomCss:       ".hero { color: red; }",
				CustomJs:        "console.log('home');",
				IsHomePage:      true,
			},
			{
				Id:          aboutPageId,
				WorkspaceId: workspaceId,
				Route:       "about",
				Title:       "About us",
			},
		},
		Components: []*ComponentInstance{
			{
				Id:              RequireParseId("00000000-0000-0000-0000-000000000030"),
				ComponentTypeId: confettiTypeId,
				PageId:          homePageId,
				ZIndex:          0,
			},
			{
				Id:              RequireParseId("00000000-0000-0000-0000-000000000031"),
				ComponentTypeId: navTypeId,
				PageId:          homePageId,
				ZIndex:          9,
			},
			{
				Id:              RequireParseId("00000000-0000-0000-0000-000000000032"),
				ComponentTypeId: textTypeId,
				PageId:          homePageId,
				ZIndex:          5,
				Parameters: map[string]any{
					"text": "hello world",
				},
			},
		},
	}
}

func composeFixture(t *testing.T, ctx context.Context, api *BuilderApi) (*Composer, Id) {
	workspaceId := NewId()
	fetch := func(ctx context.Context, fetchWorkspaceId Id) (*WorkspaceFilesResult, error) {
		return composeWorkspace(fetchWorkspaceId), nil
	}
	cache := NewCacheStore(ctx, NewMemoryStorage(), fetch, testCacheSettings())
	t.Cleanup(cache.Close)

	registry := NewComponentTypeRegistryWithDefaults(ctx, func(ctx context.Context) ([]*ComponentType, error) {
		return composeCatalog(), nil
	})

	composer := NewComposerWithDefaults(ctx, cache, registry, api)
	return composer, workspaceId
}

func TestComposeDeterministic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	composer, workspaceId := composeFixture(t, ctx, nil)

	first, err := composer.GeneratePreview(ctx, workspaceId, "home")
	assert.Equal(t, err, nil)
	assert.Equal(t, first.Degraded, false)

	second, err := composer.GeneratePreview(ctx, workspaceId, "home")
	assert.Equal(t, err, nil)

	// same inputs, byte-identical output
	assert.Equal(t, first.Html, second.Html)
}

func TestComposePriorityOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	composer, workspaceId := composeFixture(t, ctx, nil)

	document, err := composer.GeneratePreview(ctx, workspaceId, "home")
	assert.Equal(t, err, nil)

	// loading priority is the primary sort key, zIndex breaks ties.
	// priorities [3,1,2] render as [1,2,3] regardless of stacking
	navAt := strings.Index(document.Html, "NAV")
	textAt := strings.Index(document.Html, "TEXT:")
	confettiAt := strings.Index(document.Html, "CONFETTI")
	assert.Equal(t, 0 <= navAt, true)
	assert.Equal(t, navAt < textAt, true)
	assert.Equal(t, textAt < confettiAt, true)
}

func TestComposePlaceholders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	composer, workspaceId := composeFixture(t, ctx, nil)

	document, err := composer.GeneratePreview(ctx, workspaceId, "home")
	assert.Equal(t, err, nil)

	assert.Equal(t, strings.Contains(document.Html, "<title>Welcome</title>"), true)
	assert.Equal(t, strings.Contains(document.Html, `content="A welcoming page"`), true)
	assert.Equal(t, strings.Contains(document.Html, "body { margin: 0; }"), true)
	assert.Equal(t, strings.Contains(document.Html, ".hero { color: red; }"), true)
	assert.Equal(t, strings.Contains(document.Html, "console.log('app');"), true)
	assert.Equal(t, strings.Contains(document.Html, "console.log('home');"), true)
	assert.Equal(t, strings.Contains(document.Html, "/assets/logo.png"), true)
	assert.Equal(t, strings.Contains(document.Html, "{{asset:"), false)

	// parameter substitution, defaults overridden by instance values
	assert.Equal(t, strings.Contains(document.Html, "TEXT:hello world"), true)

	// synthetic tokens
	assert.Equal(t, strings.Contains(document.Html, `class="nav-bar"`), true)

	// a template referencing an unknown parameter keeps the literal
	// placeholder text
	assert.Equal(t, strings.Contains(document.Html, "CONFETTI {{sparkle}}"), true)
}

func TestComposeRouteResolution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	composer, workspaceId := composeFixture(t, ctx, nil)

	// exact route match
	about, err := composer.GeneratePreview(ctx, workspaceId, "about")
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(about.Html, "<title>About us</title>"), true)

	// unknown route falls back to the home page
	unknown, err := composer.GeneratePreview(ctx, workspaceId, "missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(unknown.Html, "<title>Welcome</title>"), true)
}

func TestComposeNoPagesPlaceholder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetch := func(ctx context.Context, workspaceId Id) (*WorkspaceFilesResult, error) {
		return &WorkspaceFilesResult{
			WorkspaceId: workspaceId,
			Files:       []*File{},
		}, nil
	}
	cache := NewCacheStore(ctx, NewMemoryStorage(), fetch, testCacheSettings())
	defer cache.Close()
	registry := NewComponentTypeRegistryWithDefaults(ctx, func(ctx context.Context) ([]*ComponentType, error) {
		return []*ComponentType{}, nil
	})
	composer := NewComposerWithDefaults(ctx, cache, registry, nil)

	document, err := composer.GeneratePreview(ctx, NewId(), "anything")
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(document.Html, "Page not found"), true)
}

func TestComposeMissingTypeSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspaceId := NewId()
	fetch := func(ctx context.Context, fetchWorkspaceId Id) (*WorkspaceFilesResult, error) {
		result := composeWorkspace(fetchWorkspaceId)
		// point one instance at a type absent from the catalog
		result.Components[0].ComponentTypeId = NewId()
		return result, nil
	}
	cache := NewCacheStore(ctx, NewMemoryStorage(), fetch, testCacheSettings())
	defer cache.Close()
	registry := NewComponentTypeRegistryWithDefaults(ctx, func(ctx context.Context) ([]*ComponentType, error) {
		return composeCatalog(), nil
	})
	composer := NewComposerWithDefaults(ctx, cache, registry, nil)

	document, err := composer.GeneratePreview(ctx, workspaceId, "home")
	assert.Equal(t, err, nil)

	// the instance is skipped, the document still renders
	assert.Equal(t, strings.Contains(document.Html, "CONFETTI"), false)
	assert.Equal(t, strings.Contains(document.Html, "NAV"), true)
	assert.Equal(t, strings.Contains(document.Html, "TEXT:"), true)
}

func TestComposeRemoteFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&PreviewResult{
			Html: "<html>rendered remotely</html>",
		})
	}))
	defer server.Close()

	api := NewBuilderApiWithContext(ctx, server.URL)
	api.SetByJwt("test-jwt")
	composer, workspaceId := composeFixture(t, ctx, api)

	document, err := composer.GeneratePreview(ctx, workspaceId, "home")
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Html, "<html>rendered remotely</html>")
	assert.Equal(t, document.Degraded, false)
}

func TestComposeRemoteFallbackDegraded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewBuilderApiWithContext(ctx, "http://127.0.0.1:1")
	api.SetByJwt("test-jwt")
	composer, workspaceId := composeFixture(t, ctx, api)

	document, err := composer.GeneratePreview(ctx, workspaceId, "home")
	assert.Equal(t, err, nil)

	// offline still yields a document, marked degraded
	assert.Equal(t, document.Degraded, true)
	assert.Equal(t, strings.Contains(document.Html, "<title>Welcome</title>"), true)
}

func TestComposeNestedParameterTokens(t *testing.T) {
	componentType := &ComponentType{
		Id:       NewId(),
		Name:     "greeting card",
		Category: "content",
		DefaultParameters: map[string]any{
			"greeting": "{{name}}!",
			"name":     "Ada",
		},
		HtmlTemplate: `<p>{{greeting}} {{name}}</p>`,
	}
	instance := &ComponentInstance{
		Id:              NewId(),
		ComponentTypeId: componentType.Id,
	}

	composer := &Composer{}
	// a parameter value that itself contains another parameter's token
	// resolves the same way every render
	first := composer.composeComponent(instance, componentType)
	assert.Equal(t, strings.Contains(first, "<p>Ada! Ada</p>"), true)
	for i := 0; i < 8; i += 1 {
		assert.Equal(t, composer.composeComponent(instance, componentType), first)
	}
}
