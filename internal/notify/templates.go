package notify

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"guidesync/internal/model"
)

// Kind names a mail template.
type Kind string

const (
	KindAssignment Kind = "assignment"
	KindRelease    Kind = "release"
	KindWelcome    Kind = "welcome"
	KindManager    Kind = "manager"
)

// Data is the template input. Only the fields a kind uses need to be set.
type Data struct {
	Name        string
	Code        string
	Email       string
	Date        model.Date
	Shift       string
	CalendarURL string

	// Manager notices.
	Subject string
	Body    string
	Time    time.Time

	Signature string
}

const defaultSignature = "Equipo de Gestión Tours Madrid"

// Bodies are Markdown: sent as-is for the text part and rendered for the
// HTML part.
var (
	subjects = map[Kind]string{
		KindAssignment: `🟢 Tour Asignado - {{.Date.Display}} {{.Shift}}`,
		KindRelease:    `🔵 Tour Liberado - {{.Date.Display}} {{.Shift}}`,
		KindWelcome:    `🎉 Bienvenido al Equipo - Tours Madrid`,
		KindManager:    `[SISTEMA] {{.Subject}}`,
	}

	bodies = map[Kind]string{
		KindAssignment: `Hola {{.Name}},

Se te ha asignado un nuevo tour:

- 📅 Fecha: {{.Date.Display}}
- 🕐 Turno: {{.Shift}}

El tour aparecerá automáticamente en tu calendario en color verde.

¡Gracias por tu trabajo!

{{.Signature}}
`,
		KindRelease: `Hola {{.Name}},

Se ha liberado un tour que tenías asignado:

- 📅 Fecha: {{.Date.Display}}
- 🕐 Turno: {{.Shift}}

Tu calendario se ha actualizado automáticamente y ahora apareces disponible para ese turno.

{{.Signature}}
`,
		KindWelcome: `Hola {{.Name}},

¡Bienvenido al equipo de Tours Madrid!

Tu información de acceso:

- 👤 Código: {{.Code}}
- 📧 Email: {{.Email}}
{{- if .CalendarURL}}
- 📅 Tu calendario: {{.CalendarURL}}
{{- end}}

Instrucciones:

- Marca "NO DISPONIBLE" en los turnos que no puedas trabajar.
- Usa "LIBERAR" para volver a estar disponible.
- Las asignaciones aparecerán automáticamente en verde.

¡Esperamos trabajar contigo pronto!

{{.Signature}}
`,
		KindManager: `**NOTIFICACIÓN DEL SISTEMA**

{{.Body}}

Hora: {{.Time.Format "02/01/2006 15:04:05"}}

Sistema Tours Madrid
`,
	}
)

var (
	markdown     goldmark.Markdown
	markdownOnce sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// Templates renders mails of every Kind.
type Templates struct {
	Signature string

	subject map[Kind]*template.Template
	body    map[Kind]*template.Template
}

// DefaultTemplates parses the built-in Spanish templates.
func DefaultTemplates() *Templates {
	t := &Templates{
		Signature: defaultSignature,
		subject:   make(map[Kind]*template.Template),
		body:      make(map[Kind]*template.Template),
	}
	for k, s := range subjects {
		t.subject[k] = template.Must(template.New(string(k) + "-subject").Parse(s))
	}
	for k, b := range bodies {
		t.body[k] = template.Must(template.New(string(k) + "-body").Parse(b))
	}
	return t
}

// Render produces the message for kind. To is left empty.
func (t *Templates) Render(kind Kind, data Data) (Message, error) {
	st, ok := t.subject[kind]
	if !ok {
		return Message{}, fmt.Errorf("notify: unknown template %q", kind)
	}
	if data.Signature == "" {
		data.Signature = t.Signature
	}

	var subj, text, html bytes.Buffer
	if err := st.Execute(&subj, data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", kind, err)
	}
	if err := t.body[kind].Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", kind, err)
	}
	if err := getMarkdown().Convert(text.Bytes(), &html); err != nil {
		return Message{}, fmt.Errorf("render %s html: %w", kind, err)
	}
	return Message{
		Subject: subj.String(),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

// ShiftName is how a period is named in mails.
func ShiftName(p model.Period) string {
	if p.IsAfternoon() {
		return model.LabelAfternoon + " " + string(p)
	}
	return model.LabelMorning
}
