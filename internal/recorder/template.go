package recorder

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// DefaultFileNameTemplate lays segments out per recording
const DefaultFileNameTemplate = "{name}/{name}_{time}_{index}.flv"

// TemplateVars are substituted into a file name template
type TemplateVars struct {
	Name    string
	ID      string
	Session int
	Index   int
	Time    time.Time
}

// ExpandTemplate returns the slash separated storage key for a segment.
// Supported placeholders: {name} {id} {session} {index} {date} {time} {unix}.
func ExpandTemplate(tpl string, v TemplateVars) string {
	if tpl == "" {
		tpl = DefaultFileNameTemplate
	}
	r := strings.NewReplacer(
		"{name}", safeName(v.Name),
		"{id}", v.ID,
		"{session}", fmt.Sprintf("%d", v.Session),
		"{index}", fmt.Sprintf("%03d", v.Index),
		"{date}", v.Time.Format("20060102"),
		"{time}", v.Time.Format("20060102-150405"),
		"{unix}", fmt.Sprintf("%d", v.Time.Unix()),
	)
	key := path.Clean("/" + r.Replace(tpl))
	return strings.TrimPrefix(key, "/")
}

// safeName keeps names usable as a single path element
func safeName(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "stream"
	}
	return s
}
