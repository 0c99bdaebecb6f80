package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

const emptySkeleton = `<!DOCTYPE html>
<html>
<head>
<title>{{page.title}}</title>
<meta name="description" content="{{page.metaDescription}}">
{{global.css}}
{{page.css}}
</head>
<body>
{{components}}
{{global.js}}
{{page.js}}
</body>
</html>`

const notFoundPage = `<!DOCTYPE html>
<html>
<head><title>Page not found</title></head>
<body><h1>Page not found</h1></body>
</html>`

// a composed, renderable document.
// `Degraded` is true when the authoritative remote generation failed and
// the document was composed locally from the cached snapshot
type Document struct {
	Html     string
	Degraded bool
}

func DefaultComposeSettings() *ComposeSettings {
	return &ComposeSettings{
		AssetUrlBase: "/workspace",
	}
}

type ComposeSettings struct {
	// `{{asset:name}}` resolves to `{AssetUrlBase}/{workspaceId}/assets/{name}`
	AssetUrlBase string
}

// merges files, page metadata and ordered component instances into one
// renderable document. remote generation is authoritative; local
// composition is the offline fallback
type Composer struct {
	ctx context.Context

	cache    *CacheStore
	registry *ComponentTypeRegistry
	api      *BuilderApi

	settings *ComposeSettings
}

func NewComposerWithDefaults(ctx context.Context, cache *CacheStore, registry *ComponentTypeRegistry, api *BuilderApi) *Composer {
	return NewComposer(ctx, cache, registry, api, DefaultComposeSettings())
}

func NewComposer(ctx context.Context, cache *CacheStore, registry *ComponentTypeRegistry, api *BuilderApi, settings *ComposeSettings) *Composer {
	return &Composer{
		ctx:      ctx,
		cache:    cache,
		registry: registry,
		api:      api,
		settings: settings,
	}
}

// the caller always receives a document, clearly degraded rather than
// erroring, as long as a cache snapshot is available
func (self *Composer) GeneratePreview(ctx context.Context, workspaceId Id, pageRoute string) (*Document, error) {
	if self.api != nil {
		result, err := self.api.GetPreviewSync(ctx, workspaceId, pageRoute)
		if err == nil {
			previewsTotal.WithLabelValues("remote").Inc()
			return &Document{
				Html: result.Html,
			}, nil
		}
		glog.V(1).Infof("[compose]remote preview %s = %s\n", workspaceId, err)
	}

	entry, err := self.cache.getEntry(ctx, workspaceId)
	if err != nil {
		return nil, err
	}
	previewsTotal.WithLabelValues("local").Inc()
	document := self.ComposeLocal(ctx, entry, pageRoute)
	document.Degraded = self.api != nil
	return document, nil
}

// deterministic for fixed inputs
func (self *Composer) ComposeLocal(ctx context.Context, entry *CacheEntry, pageRoute string) *Document {
	page := resolvePage(entry.Pages, pageRoute)
	if page == nil {
		return &Document{
			Html: notFoundPage,
		}
	}

	skeleton := emptySkeleton
	if indexFile := entry.Files.FileByName("index.html"); indexFile != nil {
		skeleton = indexFile.Content
	}

	// placeholders substitute in a fixed, documented order:
	// page.title, page.metaDescription, global.css, page.css,
	// global.js, page.js, components, then asset references
	html := skeleton
	html = strings.ReplaceAll(html, "{{page.title}}", page.Title)
	html = strings.ReplaceAll(html, "{{page.metaDescription}}", page.MetaDescription)
	html = strings.ReplaceAll(html, "{{global.css}}", self.globalCss(entry.Files))
	html = strings.ReplaceAll(html, "{{page.css}}", wrapCss("page", page.CustomCss))
	html = strings.ReplaceAll(html, "{{global.js}}", self.globalJs(entry.Files))
	html = strings.ReplaceAll(html, "{{page.js}}", wrapJs("page", page.CustomJs))
	html = strings.ReplaceAll(html, "{{components}}", self.composeComponents(ctx, entry, page))
	html = self.resolveAssets(html, entry)

	return &Document{
		Html: html,
	}
}

func resolvePage(pages []*Page, pageRoute string) *Page {
	if pageRoute != "" {
		for _, page := range pages {
			if page.Route == pageRoute {
				return page
			}
		}
	}
	for _, page := range pages {
		if page.IsHomePage {
			return page
		}
	}
	return nil
}

func (self *Composer) globalCss(files *WorkspaceFileSet) string {
	parts := []string{}
	for _, file := range files.Files {
		if file.FileType == "css" {
			parts = append(parts, wrapCss(file.FileName, file.Content))
		}
	}
	return strings.Join(parts, "\n")
}

func (self *Composer) globalJs(files *WorkspaceFileSet) string {
	parts := []string{}
	for _, file := range files.Files {
		if file.FileType == "js" {
			parts = append(parts, wrapJs(file.FileName, file.Content))
		}
	}
	return strings.Join(parts, "\n")
}

func wrapCss(name string, css string) string {
	if css == "" {
		return ""
	}
	return fmt.Sprintf("<style data-file=\"%s\">\n%s\n</style>", name, css)
}

func wrapJs(name string, js string) string {
	if js == "" {
		return ""
	}
	return fmt.Sprintf("<script data-file=\"%s\">\n%s\n</script>", name, js)
}

var assetPlaceholder = regexp.MustCompile(`\{\{asset:([^}]+)\}\}`)

func (self *Composer) resolveAssets(html string, entry *CacheEntry) string {
	return assetPlaceholder.ReplaceAllStringFunc(html, func(match string) string {
		fileName := assetPlaceholder.FindStringSubmatch(match)[1]
		return fmt.Sprintf("%s/%s/assets/%s", self.settings.AssetUrlBase, entry.WorkspaceId, fileName)
	})
}

// instances render in ascending (loadingPriority, zIndex) order. priority
// is the primary key so structural components render before decorative
// ones regardless of visual stacking
func (self *Composer) composeComponents(ctx context.Context, entry *CacheEntry, page *Page) string {
	type orderedInstance struct {
		instance      *ComponentInstance
		componentType *ComponentType
	}

	orderedInstances := []orderedInstance{}
	for _, instance := range entry.Components {
		if instance.PageId != page.Id {
			continue
		}
		componentType, err := self.registry.GetType(ctx, instance.ComponentTypeId)
		if err != nil || componentType == nil {
			// skip the instance, never abort the whole document
			glog.Infof("[compose]missing type %s for %s\n", instance.ComponentTypeId, instance.Id)
			continue
		}
		orderedInstances = append(orderedInstances, orderedInstance{
			instance:      instance,
			componentType: componentType,
		})
	}

	sort.SliceStable(orderedInstances, func(i int, j int) bool {
		a := orderedInstances[i]
		b := orderedInstances[j]
		if a.componentType.LoadingPriority != b.componentType.LoadingPriority {
			return a.componentType.LoadingPriority < b.componentType.LoadingPriority
		}
		return a.instance.ZIndex < b.instance.ZIndex
	})

	parts := []string{}
	for _, ordered := range orderedInstances {
		parts = append(parts, self.composeComponent(ordered.instance, ordered.componentType))
	}
	return strings.Join(parts, "\n")
}

func (self *Composer) composeComponent(instance *ComponentInstance, componentType *ComponentType) string {
	parameters := map[string]any{}
	for name, value := range componentType.DefaultParameters {
		parameters[name] = value
	}
	for name, value := range instance.Parameters {
		parameters[name] = value
	}

	// validation failures log and render best effort, never block
	for _, validationError := range ValidateParameters(componentType.Parameters, parameters) {
		glog.Infof("[compose]%s %s = %s\n", componentType.Name, instance.Id, validationError)
	}

	// sorted so that a parameter value containing another parameter's
	// token always resolves the same way
	names := maps.Keys(parameters)
	sort.Strings(names)
	html := componentType.HtmlTemplate
	for _, name := range names {
		html = strings.ReplaceAll(html, fmt.Sprintf("{{%s}}", name), parameterString(parameters[name]))
	}

	parametersJson, _ := json.Marshal(parameters)
	componentName := pascalCase(componentType.Name)
	html = strings.ReplaceAll(html, "{{instanceId}}", instance.Id.String())
	html = strings.ReplaceAll(html, "{{componentId}}", componentType.Id.String())
	html = strings.ReplaceAll(html, "{{componentName}}", componentName)
	html = strings.ReplaceAll(html, "{{componentClass}}", kebabCase(componentType.Name))
	html = strings.ReplaceAll(html, "{{parametersJson}}", string(parametersJson))
	// any remaining unknown placeholder stays literal

	return fmt.Sprintf(
		"<div class=\"component %s\" data-instance=\"%s\" style=\"position:absolute;left:%dpx;top:%dpx;width:%dpx;height:%dpx;z-index:%d\">\n%s\n</div>",
		kebabCase(componentType.Name),
		instance.Id,
		instance.X,
		instance.Y,
		instance.Width,
		instance.Height,
		instance.ZIndex,
		html,
	)
}

func parameterString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

var wordSplit = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func pascalCase(name string) string {
	words := wordSplit.Split(name, -1)
	parts := []string{}
	for _, word := range words {
		if word == "" {
			continue
		}
		parts = append(parts, strings.ToUpper(word[0:1])+word[1:])
	}
	return strings.Join(parts, "")
}

func kebabCase(name string) string {
	words := wordSplit.Split(name, -1)
	parts := []string{}
	for _, word := range words {
		if word == "" {
			continue
		}
		parts = append(parts, strings.ToLower(word))
	}
	return strings.Join(parts, "-")
}
