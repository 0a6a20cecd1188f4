package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// Catalog describes the backend's capabilities grouped by category. It is
// the source of the router's advisory context.
type Catalog struct {
	inv Invoker
	reg *toolreg.Registry

	syncTimeout time.Duration
	retryAfter  time.Duration
	now         func() time.Time

	mu          sync.Mutex
	synced      bool
	lastAttempt time.Time
}

func NewCatalog(inv Invoker, reg *toolreg.Registry) *Catalog {
	return &Catalog{
		inv:         inv,
		reg:         reg,
		syncTimeout: 10 * time.Second,
		retryAfter:  time.Minute,
		now:         time.Now,
	}
}

// Sync merges the tools advertised by the backend into the registry.
// Descriptions and schemas from the backend win; registered class and
// required-field metadata are kept.
func (c *Catalog) Sync(ctx context.Context) (int, error) {
	if c.inv == nil {
		return 0, nil
	}
	c.mu.Lock()
	c.lastAttempt = c.now()
	c.mu.Unlock()

	tools, err := c.inv.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync catalog: %w", err)
	}
	for _, t := range tools {
		c.reg.Merge(toolreg.Spec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	c.mu.Lock()
	c.synced = true
	c.mu.Unlock()
	log.Info().Int("tools", len(tools)).Msg("Backend catalog synced")
	return len(tools), nil
}

// ensureSynced syncs a catalog that has not been synced yet. The sync is
// detached from the caller's cancellation; after a failure it is retried
// at most once per retry interval.
func (c *Catalog) ensureSynced(ctx context.Context) {
	c.mu.Lock()
	due := !c.synced && (c.lastAttempt.IsZero() || c.now().Sub(c.lastAttempt) >= c.retryAfter)
	c.mu.Unlock()
	if !due {
		return
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.syncTimeout)
	defer cancel()
	if _, err := c.Sync(sctx); err != nil {
		log.Warn().Err(err).Dur("retry_after", c.retryAfter).Msg("Backend catalog unavailable, using registry only")
	}
}

// ListCategories maps each category to a short description.
func (c *Catalog) ListCategories(_ context.Context) map[string]string {
	out := make(map[string]string)
	for _, cat := range c.reg.Categories() {
		specs := c.reg.InCategory(cat)
		var actions, lookups int
		for _, s := range specs {
			if s.Class == models.ToolClassAction {
				actions++
			} else {
				lookups++
			}
		}
		out[cat] = fmt.Sprintf("%s: %d lookup and %d action capabilities", cat, lookups, actions)
	}
	return out
}

// ListMethods maps each method of a category to its signature.
func (c *Catalog) ListMethods(ctx context.Context, category string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, s := range c.reg.InCategory(category) {
		out[s.Name] = fmt.Sprintf("%s(%s)", s.Name, strings.Join(s.RequiredFields, ", "))
	}
	return out, nil
}

// Advisory renders the category and method catalog for the router prompt.
// Until the backend catalog has been synced the registry alone is used.
func (c *Catalog) Advisory(ctx context.Context) (string, error) {
	c.ensureSynced(ctx)

	cats := c.ListCategories(ctx)
	names := make([]string, 0, len(cats))
	for name := range cats {
		names = append(names, name)
	}
	sort.Strings(names)

	sections := make([]string, 0, len(names))
	for _, name := range names {
		methods, err := c.ListMethods(ctx, name)
		if err != nil {
			return "", fmt.Errorf("list methods for %s: %w", name, err)
		}
		sigs := make([]string, 0, len(methods))
		for _, sig := range methods {
			sigs = append(sigs, "  - "+sig)
		}
		sort.Strings(sigs)
		sections = append(sections, "- "+cats[name]+"\n"+strings.Join(sigs, "\n"))
	}
	return "Available categories:\n" + strings.Join(sections, "\n"), nil
}
