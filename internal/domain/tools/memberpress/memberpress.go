// Package memberpress is the membership domain tool backed by the
// MemberPress developer REST API.
package memberpress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"mpai-server-go/internal/domain/tools"
	"mpai-server-go/internal/domain/tools/wprest"
	"mpai-server-go/internal/platform/logging"
)

const APIKeyHeader = "MEMBERPRESS-API-KEY"

// Operation names.
const (
	OpListMemberships      = "list_memberships"
	OpListMembershipLevels = "list_membership_levels"
	OpGetMembership        = "get_membership"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Tool struct {
	client *wprest.Client
	logger logging.TagLogger
}

var _ tools.DescribedTool = (*Tool)(nil)

func New(cfg Config, logger logging.TagLogger) (*Tool, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("memberpress api key is required")
	}
	client, err := wprest.New(wprest.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Headers: map[string]string{APIKeyHeader: cfg.APIKey},
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard
	}
	return &Tool{client: client, logger: logger}, nil
}

func (t *Tool) Name() string { return "memberpress" }

func (t *Tool) Description() string {
	return "Membership plans, pricing levels and their status"
}

func (t *Tool) DescribeOperations() []tools.Operation {
	return []tools.Operation{
		{
			Name:        OpListMemberships,
			Description: "List membership plans with price, billing period and status",
			Params: []tools.Param{
				{Name: "status", Description: "Filter by status", Enum: []string{"all", "active", "inactive"}, Default: "all", HasDefault: true},
				{Name: "page", Type: "integer", Default: 1, HasDefault: true},
				{Name: "per_page", Type: "integer", Default: 20, HasDefault: true},
			},
		},
		{
			Name:        OpListMembershipLevels,
			Description: "List pricing levels with the number of active members on each",
		},
		{
			Name:        OpGetMembership,
			Description: "Get one membership plan by id",
			Params: []tools.Param{
				{Name: "id", Type: "integer", Description: "Membership id"},
			},
		},
	}
}

func (t *Tool) Call(ctx context.Context, operation string, args map[string]any) (tools.Result, error) {
	t.logger.DebugTag(logging.TagTools, "memberpress %s %v", operation, args)
	switch operation {
	case OpListMemberships:
		return t.listMemberships(ctx, args)
	case OpListMembershipLevels:
		return t.listLevels(ctx)
	case OpGetMembership:
		id := wprest.IntArg(args, "id", 0)
		if id <= 0 {
			return nil, fmt.Errorf("get_membership: id is required")
		}
		raw, err := t.client.Get(ctx, membershipsPath+"/"+strconv.Itoa(id), nil)
		if err != nil {
			return nil, fmt.Errorf("get_membership: %w", err)
		}
		return tools.Result{"success": true, "operation": operation, "data": map[string]any{"membership": normalize(raw)}}, nil
	default:
		return nil, fmt.Errorf("unsupported operation %q", operation)
	}
}

const (
	membershipsPath = "/wp-json/mp/v1/memberships"
	// maxScanPages bounds the walk over the full membership collection.
	maxScanPages = 50
)

func (t *Tool) listMemberships(ctx context.Context, args map[string]any) (tools.Result, error) {
	pageNum := max(wprest.IntArg(args, "page", 1), 1)
	perPage := min(max(wprest.IntArg(args, "per_page", 20), 1), 100)
	want := wprest.StringArg(args, "status", "all")

	if want == "all" {
		page, err := t.client.List(ctx, membershipsPath, map[string]string{
			"page":     strconv.Itoa(pageNum),
			"per_page": strconv.Itoa(perPage),
		})
		if err != nil {
			return nil, fmt.Errorf("list_memberships: %w", err)
		}
		items := make([]map[string]any, 0, len(page.Items))
		for _, item := range page.Items {
			items = append(items, normalize(item))
		}
		return membershipPage(items, page.Total, page.TotalPages, pageNum, perPage), nil
	}

	// Status is derived from the post status after normalize, so the filter
	// runs over the whole collection and paging is applied to the result.
	all, err := t.allMemberships(ctx)
	if err != nil {
		return nil, fmt.Errorf("list_memberships: %w", err)
	}
	matched := make([]map[string]any, 0, len(all))
	for _, item := range all {
		if item["status"] == want {
			matched = append(matched, item)
		}
	}
	total := len(matched)
	from := min((pageNum-1)*perPage, total)
	to := min(from+perPage, total)
	totalPages := max((total+perPage-1)/perPage, 1)
	return membershipPage(matched[from:to], total, totalPages, pageNum, perPage), nil
}

func membershipPage(items []map[string]any, total, totalPages, page, perPage int) tools.Result {
	return tools.Result{
		"success":   true,
		"operation": OpListMemberships,
		"data": map[string]any{
			"memberships": items,
			"total":       total,
			"total_pages": totalPages,
			"page":        page,
			"per_page":    perPage,
		},
	}
}

// allMemberships walks every page of the collection and normalizes each item.
func (t *Tool) allMemberships(ctx context.Context) ([]map[string]any, error) {
	var all []map[string]any
	for n := 1; n <= maxScanPages; n++ {
		page, err := t.client.List(ctx, membershipsPath, map[string]string{
			"page":     strconv.Itoa(n),
			"per_page": "100",
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			all = append(all, normalize(item))
		}
		if n >= page.TotalPages || len(page.Items) == 0 {
			return all, nil
		}
	}
	t.logger.WarnTag(logging.TagTools, "memberpress: membership scan stopped after %d pages", maxScanPages)
	return all, nil
}

// listLevels reports each membership as a pricing level, counting active
// members from the X-WP-Total header of the members endpoint.
func (t *Tool) listLevels(ctx context.Context) (tools.Result, error) {
	memberships, err := t.allMemberships(ctx)
	if err != nil {
		return nil, fmt.Errorf("list_membership_levels: %w", err)
	}

	levels := make([]map[string]any, 0, len(memberships))
	for _, m := range memberships {
		level := map[string]any{
			"id":     m["id"],
			"name":   m["title"],
			"price":  m["price"],
			"period": m["period_type"],
		}
		if id, ok := m["id"]; ok {
			members, err := t.client.List(ctx, "/wp-json/mp/v1/members", map[string]string{
				"membership": fmt.Sprint(id),
				"status":     "active",
				"per_page":   "1",
			})
			if err != nil {
				return nil, fmt.Errorf("list_membership_levels: members of %v: %w", id, err)
			}
			level["members"] = members.Total
		}
		levels = append(levels, level)
	}

	return tools.Result{
		"success":   true,
		"operation": OpListMembershipLevels,
		"data": map[string]any{
			"membership_levels": levels,
			"total":             len(levels),
		},
	}, nil
}

// normalize flattens rendered fields and maps the WordPress post status onto
// active/inactive.
func normalize(item map[string]any) map[string]any {
	wprest.Flatten(item, "title", "content")
	switch item["status"] {
	case "publish", "active":
		item["status"] = "active"
	case nil:
	default:
		item["status"] = "inactive"
	}
	return item
}
