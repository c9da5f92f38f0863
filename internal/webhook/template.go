package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ifpj/netwatch/pkg/types"
)

// Render produces the POST body and content type for one transition.
//
// Templates are literal token substitution, nothing more. Operators who put
// tokens inside JSON strings own the escaping. An empty template renders
// the default JSON body.
func Render(tmpl string, tr types.Transition) (body string, contentType string) {
	if tmpl == "" {
		return defaultBody(tr), "application/json"
	}
	body = substitute(tmpl, tr)
	if json.Valid([]byte(body)) {
		return body, "application/json"
	}
	return body, "text/plain"
}

// substitute replaces the documented tokens with transition values.
func substitute(tmpl string, tr types.Transition) string {
	r := strings.NewReplacer(
		"{{STATUS}}", statusWord(tr.To),
		"{{STATUS_EMOJI}}", statusEmoji(tr.To),
		"{{TARGET}}", tr.Target.Name,
		"{{HOST}}", tr.Target.Addr(),
		"{{TIME}}", tr.At.UTC().Format(time.RFC3339),
		"{{MESSAGE}}", tr.Message,
	)
	return r.Replace(tmpl)
}

// defaultBody is the JSON payload sent when a webhook has no template.
func defaultBody(tr types.Transition) string {
	payload := map[string]string{
		"status":  statusWord(tr.To),
		"target":  tr.Target.Name,
		"host":    tr.Target.Addr(),
		"time":    tr.At.UTC().Format(time.RFC3339),
		"message": tr.Message,
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func statusWord(s types.State) string {
	if s.IsUp() {
		return "UP"
	}
	return "DOWN"
}

func statusEmoji(s types.State) string {
	if s.IsUp() {
		return "🟢"
	}
	return "🔴"
}
