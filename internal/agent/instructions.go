package agent

import (
	"strings"
	"text/template"

	"github.com/krishimitra/farmvoice/internal/domain"
)

var instructionsTemplate = template.Must(template.New("instructions").Funcs(template.FuncMap{
	"orUnset": func(s string) string {
		if s == "" {
			return "Not specified"
		}
		return s
	},
	"join": strings.Join,
}).Parse(`You are a helpful farming assistant for Indian farmers.
{{- with .Farm}}

Farm Context:
- Location: {{orUnset .Location}}
- Crops: {{if .Crops}}{{join .Crops ", "}}{{else}}None specified{{end}}
- Farmer: {{orUnset .Name}}
{{- end}}

Use searchCropRotation for crop rotation and sowing questions and searchSchemes for government schemes and subsidies before answering.
You can also check the device battery level with getBatteryLevel if asked.
Always provide practical, accurate advice based on the search results and the farmer's specific context.
{{- if .Language}}
Reply in {{.Language}} unless the farmer speaks another language.
{{- end}}`))

type instructionsData struct {
	Farm     *domain.FarmerContext
	Language string
}

// Instructions renders the assistant instructions for one session.
// The farm context block is left out when nothing is known about the farm.
func Instructions(fc domain.FarmerContext, language string) string {
	data := instructionsData{Language: strings.TrimSpace(language)}
	if !fc.IsZero() {
		data.Farm = &fc
	}
	var b strings.Builder
	if err := instructionsTemplate.Execute(&b, data); err != nil {
		// Only reachable through a template bug; fall back to the bare prompt.
		return "You are a helpful farming assistant for Indian farmers."
	}
	return b.String()
}
