// Package wordpress exposes a site's REST API as a vocabulary tool.
package wordpress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"mpai-server-go/internal/domain/tools"
	"mpai-server-go/internal/domain/tools/wprest"
	"mpai-server-go/internal/platform/logging"
)

const Namespace = "wordpress"

// Operation names.
const (
	OpListPlugins     = "list_plugins"
	OpListPosts       = "list_posts"
	OpListPages       = "list_pages"
	OpListComments    = "list_comments"
	OpListUsers       = "list_users"
	OpGetSiteInfo     = "get_site_info"
	OpListMemberships = "list_memberships"
)

type Config struct {
	BaseURL     string
	Username    string
	AppPassword string
	Timeout     time.Duration
}

type Tool struct {
	client *wprest.Client
	logger logging.TagLogger
}

var _ tools.VocabularyTool = (*Tool)(nil)

func New(cfg Config, logger logging.TagLogger) (*Tool, error) {
	client, err := wprest.New(wprest.Options{
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
		Username: cfg.Username,
		Password: cfg.AppPassword,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard
	}
	return &Tool{client: client, logger: logger}, nil
}

func (t *Tool) Name() string      { return "wordpress" }
func (t *Tool) Namespace() string { return Namespace }

func (t *Tool) Description() string {
	return "Read content, plugins, users and settings of the WordPress site"
}

func pagination(perPage int) []tools.Param {
	return []tools.Param{
		{Name: "page", Type: "integer", Description: "Page number, starting at 1", Default: 1, HasDefault: true},
		{Name: "per_page", Type: "integer", Description: "Items per page (max 100)", Default: perPage, HasDefault: true},
	}
}

func (t *Tool) Operations() []tools.Operation {
	return []tools.Operation{
		{
			Name:        OpListPlugins,
			Description: "List installed plugins with version and activation status",
			Params: []tools.Param{
				{Name: "status", Description: "Filter by status", Enum: []string{"all", "active", "inactive"}, Default: "all", HasDefault: true},
			},
		},
		{
			Name:        OpListPosts,
			Description: "List blog posts",
			Params: append(pagination(10),
				tools.Param{Name: "status", Description: "Post status", Default: "publish", HasDefault: true},
				tools.Param{Name: "search", Description: "Search term", Default: "", HasDefault: true},
			),
		},
		{
			Name:        OpListPages,
			Description: "List site pages",
			Params: append(pagination(10),
				tools.Param{Name: "status", Description: "Page status", Default: "publish", HasDefault: true},
			),
		},
		{
			Name:        OpListComments,
			Description: "List comments",
			Params: append(pagination(10),
				tools.Param{Name: "status", Description: "Comment status", Enum: []string{"approve", "hold", "spam", "trash"}, Default: "approve", HasDefault: true},
			),
		},
		{
			Name:        OpListUsers,
			Description: "List registered users",
			Params: append(pagination(10),
				tools.Param{Name: "role", Description: "Filter by role", Default: "", HasDefault: true},
			),
		},
		{Name: OpGetSiteInfo, Description: "Get the site name, description, URL and timezone"},
		{Name: OpListMemberships, Description: "List memberships", Params: pagination(20)},
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	op, _ := args[tools.OperationArg].(string)
	t.logger.DebugTag(logging.TagTools, "wordpress %s %v", op, args)

	switch op {
	case OpListPlugins:
		return t.listPlugins(ctx, args)
	case OpListPosts:
		return t.list(ctx, op, "posts", "/wp-json/wp/v2/posts", args, 10, map[string]string{
			"status": wprest.StringArg(args, "status", "publish"),
			"search": wprest.StringArg(args, "search", ""),
		}, "title", "excerpt")
	case OpListPages:
		return t.list(ctx, op, "pages", "/wp-json/wp/v2/pages", args, 10, map[string]string{
			"status": wprest.StringArg(args, "status", "publish"),
		}, "title")
	case OpListComments:
		return t.list(ctx, op, "comments", "/wp-json/wp/v2/comments", args, 10, map[string]string{
			"status": wprest.StringArg(args, "status", "approve"),
		}, "content")
	case OpListUsers:
		return t.list(ctx, op, "users", "/wp-json/wp/v2/users", args, 10, map[string]string{
			"roles":   wprest.StringArg(args, "role", ""),
			"context": "edit",
		})
	case OpListMemberships:
		return t.list(ctx, op, "memberships", "/wp-json/mp/v1/memberships", args, 20, nil, "title")
	case OpGetSiteInfo:
		return t.siteInfo(ctx)
	case "":
		return nil, fmt.Errorf("missing %q argument", tools.OperationArg)
	default:
		return nil, fmt.Errorf("unsupported operation %q", op)
	}
}

func (t *Tool) listPlugins(ctx context.Context, args map[string]any) (tools.Result, error) {
	query := map[string]string{}
	if status := wprest.StringArg(args, "status", "all"); status != "all" {
		query["status"] = status
	}
	page, err := t.client.List(ctx, "/wp-json/wp/v2/plugins", query)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	for _, p := range page.Items {
		wprest.Flatten(p, "description")
	}
	return success(OpListPlugins, map[string]any{
		"plugins": page.Items,
		"total":   page.Total,
	}), nil
}

func (t *Tool) list(ctx context.Context, op, entity, path string, args map[string]any, defPerPage int, filters map[string]string, flatten ...string) (tools.Result, error) {
	pageNum := max(wprest.IntArg(args, "page", 1), 1)
	perPage := min(max(wprest.IntArg(args, "per_page", defPerPage), 1), 100)

	query := map[string]string{
		"page":     strconv.Itoa(pageNum),
		"per_page": strconv.Itoa(perPage),
	}
	for k, v := range filters {
		query[k] = v
	}

	page, err := t.client.List(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, item := range page.Items {
		wprest.Flatten(item, flatten...)
	}
	return success(op, map[string]any{
		entity:        page.Items,
		"total":       page.Total,
		"total_pages": page.TotalPages,
		"page":        pageNum,
		"per_page":    perPage,
	}), nil
}

func (t *Tool) siteInfo(ctx context.Context) (tools.Result, error) {
	raw, err := t.client.Get(ctx, "/wp-json", map[string]string{"_fields": "name,description,url,home,timezone_string,gmt_offset"})
	if err != nil {
		return nil, fmt.Errorf("site info: %w", err)
	}
	site := map[string]any{}
	for _, k := range []string{"name", "description", "url", "home", "timezone_string", "gmt_offset"} {
		if v, ok := raw[k]; ok {
			site[k] = v
		}
	}
	return success(OpGetSiteInfo, map[string]any{"site": site}), nil
}

func success(op string, data map[string]any) tools.Result {
	return tools.Result{"success": true, "operation": op, "data": data}
}
