package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/hpungsan/grimbot/internal/command"
	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/game"
	"github.com/hpungsan/grimbot/internal/logging"
	"github.com/hpungsan/grimbot/internal/ratelimit"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	BotName string
	Version string
	Nav     string // active nav item: "status", "commands", "characters", "groups"
}

// CountRow is one line of the invocation table.
type CountRow struct {
	Command string
	Count   uint64
}

// StatusPageData is the template data for the status page.
type StatusPageData struct {
	PageData
	Counts  []CountRow
	Buckets []ratelimit.BucketConfig
	States  []ratelimit.StateSnapshot
}

// CommandsPageData is the template data for the command reference.
type CommandsPageData struct {
	PageData
	Prefix   string
	Commands []CommandView
}

// CommandView is one command rendered for the reference page.
type CommandView struct {
	Name   string
	Bucket string
	Help   template.HTML
}

// EntitiesPageData is the template data for an entity kind listing.
type EntitiesPageData struct {
	PageData
	Kind string
	Keys []string
}

// EntityPageData is the template data for one entity.
type EntityPageData struct {
	PageData
	Kind         string
	Key          string
	RenderedHTML template.HTML
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	botName   string
	version   string
	logger    *slog.Logger
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, botName, version string, logger *slog.Logger) *Renderer {
	funcMap := template.FuncMap{
		"seconds": formatSeconds,
	}

	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"status":   "status.html",
		"commands": "commands.html",
		"entities": "entities.html",
		"entity":   "entity.html",
		"error":    "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	if logger == nil {
		logger = logging.Discard()
	}
	return &Renderer{
		templates: templates,
		botName:   botName,
		version:   version,
		logger:    logger,
	}
}

func (r *Renderer) page(title, nav string) PageData {
	return PageData{Title: title, BotName: r.botName, Version: r.version, Nav: nav}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, req *http.Request, name string, data any) {
	r.renderPageStatus(w, req, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
// For HTMX requests, only the "content" block is rendered.
func (r *Renderer) renderPageStatus(w http.ResponseWriter, req *http.Request, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.logger.Error("template not found", slog.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	block := "layout"
	if req != nil && req.Header.Get("HX-Request") == "true" {
		block = "content"
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, block, data); err != nil {
		r.logger.Error("template execution failed", slog.String("template", name), logging.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// httpStatus maps an error code to a response status.
func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrParse:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrAlreadyExists:
		return http.StatusConflict
	case errors.ErrStoreIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// renderError renders an error response with content negotiation.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	bErr, ok := errors.As(err)
	if !ok {
		bErr = errors.NewInternal(err)
	}

	status := httpStatus(bErr.Code)
	message := bErr.Message
	if bErr.Code == errors.ErrInternal || bErr.Code == errors.ErrCorruptData {
		r.logger.Error("request failed", slog.String("path", req.URL.Path), logging.Error(err))
		message = "an internal error occurred"
	}

	if strings.Contains(req.Header.Get("Accept"), "application/json") {
		renderJSON(w, status, map[string]any{
			"error": map[string]any{
				"code":    string(bErr.Code),
				"message": message,
				"status":  status,
			},
		})
		return
	}

	r.renderPageStatus(w, req, status, "error", ErrorPageData{
		PageData:   r.page(fmt.Sprintf("Error %d", status), ""),
		StatusCode: status,
		Message:    message,
	})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark. Raw HTML in
// the source is not passed through.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// commandMarkdown writes the help entry for one command.
func commandMarkdown(prefix string, s command.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s%s\n\n%s\n\n", prefix, s.Name, s.Description)
	if s.Usage != "" {
		fmt.Fprintf(&b, "Usage: `%s%s`\n\n", prefix, s.Usage)
	}
	if len(s.Aliases) > 0 {
		fmt.Fprintf(&b, "Aliases: %s\n\n", strings.Join(s.Aliases, ", "))
	}
	if len(s.Examples) > 0 {
		b.WriteString("Examples:\n\n")
		for _, ex := range s.Examples {
			fmt.Fprintf(&b, "- `%s`\n", strings.TrimSpace(prefix+s.Name+" "+ex))
		}
	}
	return b.String()
}

// entityMarkdown describes a stored entity for the detail page.
func entityMarkdown(v any) string {
	var b strings.Builder
	switch e := v.(type) {
	case game.Character:
		fmt.Fprintf(&b, "# %s\n\n", e.Name)
		fmt.Fprintf(&b, "- **Owner:** %d\n", e.Owner)
		role := e.Role
		if role == "" {
			role = "none"
		}
		fmt.Fprintf(&b, "- **Role:** %s\n", role)
		if len(e.Attributes) > 0 {
			b.WriteString("\n## Attributes\n\n")
			for _, k := range sortedKeys(e.Attributes) {
				fmt.Fprintf(&b, "- %s: %d\n", k, e.Attributes[k])
			}
		}
		if len(e.Mutations) > 0 {
			b.WriteString("\n## Mutations\n\n")
			for _, k := range sortedKeys(e.Mutations) {
				fmt.Fprintf(&b, "- %s: %s\n", k, e.Mutations[k])
			}
		}
	case game.Group:
		fmt.Fprintf(&b, "# %s\n\n", e.Name)
		members := make([]string, len(e.Users))
		for i, u := range e.Users {
			members[i] = fmt.Sprint(u)
		}
		fmt.Fprintf(&b, "- **Members:** %s\n", strings.Join(members, ", "))
		answered := 0
		for _, ok := range e.Answers {
			if ok {
				answered++
			}
		}
		fmt.Fprintf(&b, "- **Answered:** %d\n", answered)
		date := e.Date
		if date == "" {
			date = "not set"
		}
		fmt.Fprintf(&b, "- **Date:** %s\n", date)
	default:
		fmt.Fprintf(&b, "%v\n", v)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatSeconds renders a duration as whole or fractional seconds.
func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
