package render

import (
	"fmt"
	"html/template"
	"sort"
	"strings"
)

// 下载渲染只做薄层字符串模板：有预渲染内容时原样输出，
// 否则从结构化表单字段合成一份可打印的 HTML 文档。

var pageTemplate = template.Must(template.New("resume").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 36px; color: #222; }
h1 { border-bottom: 2px solid {{.Accent}}; padding-bottom: 4px; }
h2 { color: {{.Accent}}; margin-top: 24px; }
ul { margin: 4px 0; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{- range .Sections}}
<h2>{{.Heading}}</h2>
{{- range .Paragraphs}}
<p>{{.}}</p>
{{- end}}
{{- if .Items}}
<ul>
{{- range .Items}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
{{- end}}
</body>
</html>
`))

type section struct {
	Heading    string
	Paragraphs []string
	Items      []string
}

type page struct {
	Title    string
	Accent   string
	Sections []section
}

// Document 从结构化表单数据合成 HTML 文档。
// formData 为任意 JSON 对象：顶层键作为小节标题，值展开为段落或列表。
func Document(title, templateID string, formData map[string]any) (string, error) {
	keys := make([]string, 0, len(formData))
	for k := range formData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sections := make([]section, 0, len(keys))
	for _, key := range keys {
		sections = append(sections, buildSection(key, formData[key]))
	}

	var sb strings.Builder
	err := pageTemplate.Execute(&sb, page{
		Title:    title,
		Accent:   accentFor(templateID),
		Sections: sections,
	})
	if err != nil {
		return "", fmt.Errorf("render resume document: %w", err)
	}
	return sb.String(), nil
}

func buildSection(key string, value any) section {
	sec := section{Heading: headingFor(key)}
	switch v := value.(type) {
	case string:
		sec.Paragraphs = append(sec.Paragraphs, v)
	case []any:
		for _, item := range v {
			sec.Items = append(sec.Items, flatten(item))
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sec.Items = append(sec.Items, fmt.Sprintf("%s: %s", headingFor(k), flatten(v[k])))
		}
	default:
		sec.Paragraphs = append(sec.Paragraphs, flatten(value))
	}
	return sec
}

func flatten(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", headingFor(k), flatten(v[k])))
		}
		return strings.Join(parts, ", ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, flatten(item))
		}
		return strings.Join(parts, "; ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func headingFor(key string) string {
	key = strings.ReplaceAll(key, "_", " ")
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

func accentFor(templateID string) string {
	switch templateID {
	case "classic":
		return "#333333"
	case "modern":
		return "#0f766e"
	default:
		return "#3388ff"
	}
}
