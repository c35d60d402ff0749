package web

import (
	"net/http"
	"sort"

	"github.com/hpungsan/grimbot/internal/bot"
	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/game"
)

// Handlers contains HTTP route handlers for the status UI.
type Handlers struct {
	bot      *bot.Bot
	renderer *Renderer
}

// statusJSON is the /api/status payload.
type statusJSON struct {
	Bot         string            `json:"bot"`
	Version     string            `json:"version"`
	Invocations map[string]uint64 `json:"invocations"`
	Buckets     any               `json:"buckets"`
}

// HandleStatus handles GET /status: invocation counts and bucket state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	counts := h.bot.Counter().Snapshot()
	rows := make([]CountRow, 0, len(counts))
	for name, n := range counts {
		rows = append(rows, CountRow{Command: name, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Command < rows[j].Command })

	h.renderer.renderPage(w, r, "status", StatusPageData{
		PageData: h.renderer.page("Status", "status"),
		Counts:   rows,
		Buckets:  h.bot.Limiter().Buckets(),
		States:   h.bot.Limiter().Snapshot(),
	})
}

// HandleStatusJSON handles GET /api/status.
func (h *Handlers) HandleStatusJSON(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, statusJSON{
		Bot:         h.bot.Config().BotName,
		Version:     h.bot.Config().Version,
		Invocations: h.bot.Counter().Snapshot(),
		Buckets:     h.bot.Limiter().Snapshot(),
	})
}

// HandleCommands handles GET /commands: the help text of every command.
func (h *Handlers) HandleCommands(w http.ResponseWriter, r *http.Request) {
	prefix := h.bot.Config().Prefix
	specs := h.bot.Registry().Specs()

	views := make([]CommandView, len(specs))
	for i, s := range specs {
		views[i] = CommandView{
			Name:   s.Name,
			Bucket: s.Bucket,
			Help:   renderMarkdown(commandMarkdown(prefix, s)),
		}
	}

	h.renderer.renderPage(w, r, "commands", CommandsPageData{
		PageData: h.renderer.page("Commands", "commands"),
		Prefix:   prefix,
		Commands: views,
	})
}

// HandleEntities handles GET /entities/{kind}.
func (h *Handlers) HandleEntities(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")

	keys, err := h.bot.EntityKeys(r.Context(), kind)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, r, "entities", EntitiesPageData{
		PageData: h.renderer.page(kindTitle(kind), kind),
		Kind:     kind,
		Keys:     keys,
	})
}

// HandleEntity handles GET /entities/{kind}/{key}.
func (h *Handlers) HandleEntity(w http.ResponseWriter, r *http.Request) {
	kind, key := r.PathValue("kind"), r.PathValue("key")

	v, ok, err := h.bot.Entity(r.Context(), kind, key)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if !ok {
		h.renderer.renderError(w, r, errors.NewNotFound(kindTitle(kind), key))
		return
	}

	h.renderer.renderPage(w, r, "entity", EntityPageData{
		PageData:     h.renderer.page(key, kind),
		Kind:         kind,
		Key:          key,
		RenderedHTML: renderMarkdown(entityMarkdown(v)),
	})
}

func kindTitle(kind string) string {
	switch kind {
	case game.KindCharacters:
		return "Characters"
	case game.KindGroups:
		return "Groups"
	default:
		return kind
	}
}
