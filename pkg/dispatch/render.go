package dispatch

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cuemby/perimeter/pkg/types"
)

const (
	DefaultTitleTemplate = `{{.User}} {{.Direction}} {{.Site}}`
	DefaultBodyTemplate  = `{{.User}} {{.Direction}} {{.Site}} ({{.SiteCode}}) at {{.Timestamp}}, {{meters .DistanceM}} from the center.`
)

// TemplateData is what title and body templates are executed against
type TemplateData struct {
	User      string
	Site      string
	SiteCode  string
	Direction string
	EventType string
	DistanceM float64
	AccuracyM float64
	Timestamp string
	Latitude  float64
	Longitude float64
	Event     *types.GeofenceEvent
}

// Message is a rendered notification for one event
type Message struct {
	Event *types.GeofenceEvent
	Title string
	Body  string
}

// Renderer holds the parsed notification templates
type Renderer struct {
	title    *template.Template
	body     *template.Template
	location *time.Location
}

var templateFuncs = template.FuncMap{
	"meters": func(m float64) string {
		if m >= 1000 {
			return fmt.Sprintf("%.2f km", m/1000)
		}
		return fmt.Sprintf("%.1f m", m)
	},
	"upper": strings.ToUpper,
}

// NewRenderer parses the title and body templates. Empty strings select the
// defaults; a nil location renders timestamps in UTC.
func NewRenderer(titleTmpl, bodyTmpl string, location *time.Location) (*Renderer, error) {
	if titleTmpl == "" {
		titleTmpl = DefaultTitleTemplate
	}
	if bodyTmpl == "" {
		bodyTmpl = DefaultBodyTemplate
	}
	if location == nil {
		location = time.UTC
	}

	title, err := template.New("title").Funcs(templateFuncs).Parse(titleTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse title template: %w", err)
	}
	body, err := template.New("body").Funcs(templateFuncs).Parse(bodyTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Renderer{title: title, body: body, location: location}, nil
}

// Render executes both templates for event
func (r *Renderer) Render(event *types.GeofenceEvent) (*Message, error) {
	data := r.data(event)

	var title, body strings.Builder
	if err := r.title.Execute(&title, data); err != nil {
		return nil, fmt.Errorf("render title: %w", err)
	}
	if err := r.body.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	return &Message{
		Event: event,
		Title: strings.TrimSpace(title.String()),
		Body:  strings.TrimSpace(body.String()),
	}, nil
}

func (r *Renderer) data(event *types.GeofenceEvent) TemplateData {
	direction := "entered"
	if event.EventType == types.EventTypeExit {
		direction = "left"
	}
	site := event.GeofenceName
	if site == "" {
		site = event.GeofenceCode
	}
	return TemplateData{
		User:      event.UserID,
		Site:      site,
		SiteCode:  event.GeofenceCode,
		Direction: direction,
		EventType: string(event.EventType),
		DistanceM: event.DistanceM,
		AccuracyM: event.AccuracyM,
		Timestamp: event.OccurredAt.In(r.location).Format("2006-01-02 15:04:05 MST"),
		Latitude:  event.Latitude,
		Longitude: event.Longitude,
		Event:     event,
	}
}
