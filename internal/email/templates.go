package email

import (
	"bytes"
	htmltemplate "html/template"
	texttemplate "text/template"
)

type renderedBody struct {
	HTML string
	Text string
}

func render(htmlTmpl *htmltemplate.Template, textTmpl *texttemplate.Template, data any) (renderedBody, error) {
	var htmlBuf, textBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return renderedBody{}, err
	}
	if err := textTmpl.Execute(&textBuf, data); err != nil {
		return renderedBody{}, err
	}
	return renderedBody{HTML: htmlBuf.String(), Text: textBuf.String()}, nil
}

const styles = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .pinboard { margin-bottom: 24px; }
        .item { background: #f8f9fa; padding: 12px; border-radius: 4px; margin: 8px 0; }
        .author { font-weight: 600; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }`

var missedMentionsHTML = htmltemplate.Must(htmltemplate.New("missed-html").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You were mentioned on Pinboard</title>
    <style>` + styles + `
    </style>
</head>
<body>
    <div class="header">
        <h1>Pinboard</h1>
    </div>

    <p>Hi {{.Name}}, you were mentioned in {{.Count}} item{{if ne .Count 1}}s{{end}} you have not seen yet.</p>
    {{range .Pinboards}}
    <div class="pinboard">
        <h3><a href="{{.Link}}">Pinboard {{.PinboardID}}</a></h3>
        {{range .Items}}
        <div class="item">
            <span class="author">{{.AuthorName}}</span>
            <p>{{.Snippet}}</p>
            <a href="{{.Link}}">Open item</a>
        </div>
        {{end}}
    </div>
    {{end}}
    <div class="footer">
        <p>You receive this email because these mentions stayed unread for a while.</p>
    </div>
</body>
</html>`))

var missedMentionsText = texttemplate.Must(texttemplate.New("missed-text").Parse(`Hi {{.Name}}, you were mentioned in {{.Count}} item{{if ne .Count 1}}s{{end}} you have not seen yet.
{{range .Pinboards}}
Pinboard {{.PinboardID}}: {{.Link}}
{{range .Items}}  - {{.AuthorName}}: {{.Snippet}}
    {{.Link}}
{{end}}{{end}}`))

var groupRequestHTML = htmltemplate.Must(htmltemplate.New("request-html").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>` + styles + `
    </style>
</head>
<body>
    <div class="header">
        <h1>Pinboard</h1>
    </div>

    <p><span class="author">{{.AuthorName}}</span> asked {{.Groups}} for help:</p>
    <div class="item"><p>{{.Snippet}}</p></div>
    <p>
        <a href="{{.Link}}" class="button">Open request</a>
    </p>
    <div class="footer">
        <p>Claim the request on Pinboard so your team knows it is being handled.</p>
    </div>
</body>
</html>`))

var groupRequestText = texttemplate.Must(texttemplate.New("request-text").Parse(`{{.AuthorName}} asked {{.Groups}} for help:

{{.Snippet}}

Open request: {{.Link}}
`))

var claimNoticeHTML = htmltemplate.Must(htmltemplate.New("claim-html").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>` + styles + `
    </style>
</head>
<body>
    <p><span class="author">{{.ClaimantName}}</span> claimed this request.</p>
    <p><a href="{{.Link}}">View on Pinboard</a></p>
</body>
</html>`))

var claimNoticeText = texttemplate.Must(texttemplate.New("claim-text").Parse(`{{.ClaimantName}} claimed this request.

View on Pinboard: {{.Link}}
`))
